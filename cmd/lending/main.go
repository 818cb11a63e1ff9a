package main

import (
	stdLog "log"
	"time"

	"github.com/Astemirdum/lending-service/app"
	"github.com/Astemirdum/lending-service/config"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		stdLog.Print("load envs from .env ", err)
	}
	cfg := config.NewConfig(
		config.WithWriteTimeout(time.Minute),
	)

	if err := app.Run(&cfg); err != nil {
		stdLog.Fatal(err)
	}
}
