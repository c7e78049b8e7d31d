package capture

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Beater is the slice of a worker the keepalive loop needs.
type Beater interface {
	Heartbeat(ctx context.Context) error
	Exited() <-chan struct{}
}

// Keepalive beats a worker's idle clock while the controller has
// outstanding work: an active session, or stored fragments awaiting upload.
// Without beats an idle worker reaps itself after its TTL.
type Keepalive struct {
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewKeepalive(ttl time.Duration, logger *zap.Logger) *Keepalive {
	return &Keepalive{interval: ttl / 3, logger: logger}
}

// Start beats worker until Stop. Restarting against a new worker stops the
// previous run first.
func (k *Keepalive) Start(worker Beater) {
	k.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	k.mu.Lock()
	k.cancel = cancel
	k.mu.Unlock()

	go func() {
		ticker := time.NewTicker(k.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-worker.Exited():
				return
			case <-ticker.C:
				beatCtx, beatCancel := context.WithTimeout(ctx, k.interval)
				if err := worker.Heartbeat(beatCtx); err != nil {
					k.logger.Debug("keepalive beat failed", zap.Error(err))
				}
				beatCancel()
			}
		}
	}()
}

// Stop ends the current beat loop, if any.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	if k.cancel != nil {
		k.cancel()
		k.cancel = nil
	}
	k.mu.Unlock()
}
