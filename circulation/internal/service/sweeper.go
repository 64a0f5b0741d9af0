package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper refreshes the stored overdue view on a fixed interval.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(svc *Service, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		log:      log.Named("sweeper"),
	}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	open, overdue, err := s.svc.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("sweep", zap.Error(err))
		}
		return
	}
	s.log.Debug("sweep done", zap.Int("open", open), zap.Int("overdue", overdue))
}
