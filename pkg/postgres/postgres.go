package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

type Config struct {
	Host     string `yaml:"host" envconfig:"DB_HOST" default:"localhost"`
	Port     string `yaml:"port" envconfig:"DB_PORT" default:"5432"`
	Name     string `yaml:"name" envconfig:"DB_NAME"`
	User     string `yaml:"user" envconfig:"DB_USER"`
	Password string `yaml:"password" envconfig:"DB_PASSWORD"`
	SSLMode  string `yaml:"sslmode" envconfig:"DB_SSLMODE" default:"disable"`
}

func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
}

// NewPostgresDB connects via the pgx stdlib driver and applies goose
// migrations from the embedded fs.
func NewPostgresDB(ctx context.Context, cfg *Config, migrations embed.FS) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, err
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return nil, fmt.Errorf("goose up: %w", err)
	}
	return db, nil
}
