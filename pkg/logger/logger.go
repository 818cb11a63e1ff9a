package logger

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Log struct {
	LogLevel zapcore.Level `yaml:"level" envconfig:"LOG_LEVEL" default:"debug"`
	Sink     string        `yaml:"sink" envconfig:"LOG_SINK"`
}

// NewLogger builds a zap logger writing to stderr or, if cfg.Sink is set,
// to the given file.
func NewLogger(cfg Log, name string) *zap.Logger {
	ws := zapcore.Lock(os.Stderr)
	if cfg.Sink != "" {
		f, err := os.OpenFile(cfg.Sink, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("logger sink %q: %v", cfg.Sink, err)
		}
		ws = zapcore.Lock(f)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		ws,
		zap.NewAtomicLevelAt(cfg.LogLevel),
	)

	return zap.New(core, zap.AddCaller()).Named(name)
}
