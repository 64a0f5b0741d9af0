package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Astemirdum/library-circulation/circulation/config"
	"github.com/Astemirdum/library-circulation/circulation/internal/events"
	"github.com/Astemirdum/library-circulation/circulation/internal/handler"
	"github.com/Astemirdum/library-circulation/circulation/internal/obs"
	"github.com/Astemirdum/library-circulation/circulation/internal/repository"
	"github.com/Astemirdum/library-circulation/circulation/internal/server"
	"github.com/Astemirdum/library-circulation/circulation/internal/service"
	"github.com/Astemirdum/library-circulation/circulation/migrations"
	"github.com/Astemirdum/library-circulation/pkg/circuit_breaker"
	"github.com/Astemirdum/library-circulation/pkg/kafka"
	"github.com/Astemirdum/library-circulation/pkg/logger"
	"github.com/Astemirdum/library-circulation/pkg/postgres"
)

func Run(cfg *config.Config) error {
	log := logger.NewLogger(cfg.Log, "circulation")
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	repo, closeRepo, err := newRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	closers = append(closers, closeRepo)

	metrics := obs.NewMetrics()
	publisher := events.NewNopPublisher()
	if cfg.Kafka.Enabled() {
		producer, err := kafka.NewProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka.NewProducer %v", err)
		}
		closers = append(closers, func() { _ = producer.Close() })
		publisher = events.NewPublisher(producer, circuit_breaker.NewFromConfig(cfg.Breaker), kafka.LoanTopic, log)
	}

	svc := service.NewService(repo, log,
		service.WithPolicy(cfg.Lending),
		service.WithPublisher(publisher),
		service.WithMetrics(metrics),
	)

	bg, bgCtx := errgroup.WithContext(ctx)
	if cfg.Kafka.Enabled() {
		group, err := kafka.NewConsumer(cfg.Kafka, kafka.CirculationConsumerGroup)
		if err != nil {
			return fmt.Errorf("kafka.NewConsumer %v", err)
		}
		closers = append(closers, func() { _ = group.Close() })
		bg.Go(func() error {
			kafka.Consume(bgCtx, group, handler.NewConsumer(svc, log), log, kafka.UserTopic, kafka.BookTopic)
			return nil
		})
	}
	bg.Go(func() error {
		service.NewSweeper(svc, cfg.SweepInterval, log).Run(bgCtx)
		return nil
	})

	h := handler.New(svc, metrics.Handler(), log)
	srv := server.NewServer(cfg.Server, h.NewRouter())
	log.Info("http server start ON: ",
		zap.String("addr",
			net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)),
		zap.String("storage", cfg.StorageDriver))
	go func() {
		if err := srv.Run(); err != nil {
			log.Error("server run", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	termSig := <-sig

	log.Debug("Graceful shutdown", zap.Any("signal", termSig))

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer closeCancel()

	if err = srv.Stop(closeCtx); err != nil {
		log.Error("srv.Stop", zap.Error(err))
	}
	cancel()
	_ = bg.Wait()
	log.Info("Graceful shutdown finished")
	return nil
}

func newRepository(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Repository, func(), error) {
	if cfg.StorageDriver == config.StorageMemory {
		log.Warn("in-memory storage, state is lost on restart")
		return repository.NewMemory(log), func() {}, nil
	}

	db, err := postgres.NewPostgresDB(ctx, &cfg.Database, migrations.MigrationFiles)
	if err != nil {
		return nil, nil, fmt.Errorf("db init %v", err)
	}
	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("pool init %v", err)
	}
	repo, err := repository.NewRepository(db, pool, log)
	if err != nil {
		pool.Close()
		db.Close()
		return nil, nil, fmt.Errorf("repo %v", err)
	}
	return repo, func() {
		pool.Close()
		db.Close()
	}, nil
}
