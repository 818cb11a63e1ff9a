package config

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Astemirdum/lending-service/pkg/kafka"
	"github.com/Astemirdum/lending-service/pkg/logger"
	"github.com/Astemirdum/lending-service/pkg/postgres"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"
)

type HTTPServer struct {
	Host         string        `yaml:"host" envconfig:"LENDING_HTTP_HOST" default:"0.0.0.0"`
	Port         string        `yaml:"port" envconfig:"LENDING_HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `yaml:"readTimeout" envconfig:"HTTP_READ" default:"10s"`
	WriteTimeout time.Duration
}

type Config struct {
	Server   HTTPServer      `yaml:"server"`
	Database postgres.Config `yaml:"database"`
	Kafka    kafka.Config
	Log      logger.Log `yaml:"log"`
}

var (
	once sync.Once
	cfg  Config
)

type Option func(*Config)

func WithLogLevel(level zapcore.Level) Option {
	return func(c *Config) {
		c.Log.LogLevel = level
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Server.WriteTimeout = timeout
	}
}

// NewConfig reads config from environment.
func NewConfig(ops ...Option) Config {
	once.Do(func() {
		var config Config
		for _, op := range ops {
			op(&config)
		}
		err := envconfig.Process("", &config)
		if err != nil {
			log.Fatal("NewConfig ", err)
		}
		cfg = config
		printConfig(cfg)
	})

	return cfg
}

func printConfig(cfg Config) {
	jscfg, _ := json.MarshalIndent(cfg, "", "	") //nolint:errcheck
	fmt.Println(string(jscfg))
}
