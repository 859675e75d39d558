package mediacache

import (
	"time"

	"go.uber.org/zap"
)

// Evictor periodically removes expired cache entries. It is started at
// process init and stopped via Stop at shutdown.
type Evictor struct {
	cache       *Cache
	interval    time.Duration
	logger      *zap.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewEvictor creates an evictor over the given cache.
func NewEvictor(cache *Cache, interval time.Duration, logger *zap.Logger) *Evictor {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evictor{
		cache:       cache,
		interval:    interval,
		logger:      logger,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start begins the periodic eviction.
func (e *Evictor) Start() {
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		defer close(e.stoppedChan)

		for {
			select {
			case <-ticker.C:
				if _, err := e.cache.Evict(); err != nil {
					e.logger.Warn("cache eviction failed", zap.Error(err))
				}
			case <-e.stopChan:
				return
			}
		}
	}()
}

// Stop halts eviction and waits for the loop to exit.
func (e *Evictor) Stop() {
	close(e.stopChan)
	<-e.stoppedChan
}
