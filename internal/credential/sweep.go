package credential

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically lifts expired rate-limit bans, independent of request
// traffic. It is started at process init and stopped via Stop at shutdown.
type Sweeper struct {
	store       *Store
	interval    time.Duration
	logger      *zap.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store *Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:       store,
		interval:    interval,
		logger:      logger,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start begins the periodic sweep.
func (s *Sweeper) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		defer close(s.stoppedChan)

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if lifted := s.store.SweepExpiredBans(ctx); lifted > 0 {
					s.logger.Info("unban sweep completed", zap.Int("lifted", lifted))
				}
				cancel()
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop halts the sweep and waits for the loop to exit.
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.stoppedChan
}
