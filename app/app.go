package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Astemirdum/lending-service/config"
	"github.com/Astemirdum/lending-service/internal/handler"
	"github.com/Astemirdum/lending-service/internal/repository"
	"github.com/Astemirdum/lending-service/internal/server"
	"github.com/Astemirdum/lending-service/internal/service"
	"github.com/Astemirdum/lending-service/migrations"
	"github.com/Astemirdum/lending-service/pkg/kafka"
	"github.com/Astemirdum/lending-service/pkg/logger"
	"github.com/Astemirdum/lending-service/pkg/postgres"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func Run(cfg *config.Config) error {
	log := logger.NewLogger(cfg.Log, "lending")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := postgres.NewPostgresDB(ctx, &cfg.Database, migrations.MigrationFiles)
	if err != nil {
		return fmt.Errorf("db init %v", err)
	}
	defer db.Close()

	repo, err := repository.NewRepository(db, log)
	if err != nil {
		return fmt.Errorf("repo lending %v", err)
	}

	// notifications are best effort; a missing broker must not keep the
	// lending core from serving
	var notifier *service.Notifier
	producer, err := kafka.NewProducer(cfg.Kafka)
	if err != nil {
		log.Warn("kafka producer init, running without notifications", zap.Error(err))
	} else {
		notifier = service.NewNotifier(producer, cfg.Kafka.Topic, log)
		defer producer.Close() //nolint:errcheck
	}

	svc := service.NewService(repo, notifier, log)
	h := handler.New(svc, log)

	srv := server.NewServer(cfg.Server, h.NewRouter())
	log.Info("http server start ON: ",
		zap.String("addr",
			net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)))

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Debug("Graceful shutdown")
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		return srv.Stop(closeCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Graceful shutdown finished")
	return nil
}
