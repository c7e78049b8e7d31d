package capture

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager spawns capture workers on demand and watches them for death. At
// most one worker exists at a time; Ensure reuses a live one and replaces a
// dead one, so callers never hold a stale handle.
type Manager struct {
	cfg           WorkerConfig
	ffmpeg        *FFmpeg
	ingest        *Ingest
	store         FragmentStore
	sink          FragmentSink
	logger        *zap.Logger
	readyTimeout  time.Duration
	probeInterval time.Duration

	mu     sync.Mutex
	worker *Worker

	onLost      func(reason string)
	onStreamEnd func(sessionID string)
}

func NewManager(cfg WorkerConfig, ffmpeg *FFmpeg, ingest *Ingest, store FragmentStore, sink FragmentSink, readyTimeout, probeInterval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		ffmpeg:        ffmpeg,
		ingest:        ingest,
		store:         store,
		sink:          sink,
		logger:        logger,
		readyTimeout:  readyTimeout,
		probeInterval: probeInterval,
	}
}

// OnLost registers the callback invoked when a worker dies outside a
// deliberate teardown. Set before the first Ensure.
func (m *Manager) OnLost(fn func(reason string)) {
	m.onLost = fn
}

// OnStreamEnd registers the callback for a recording whose source stream
// ended on its own. Set before the first Ensure.
func (m *Manager) OnStreamEnd(fn func(sessionID string)) {
	m.onStreamEnd = fn
}

// Ensure returns a live worker, spawning one if none is responsive. It
// probes the new worker until it answers or the ready window closes, then
// fails with ErrContextUnavailable.
func (m *Manager) Ensure(ctx context.Context) (*Worker, error) {
	m.mu.Lock()
	current := m.worker
	m.mu.Unlock()

	if current != nil {
		pingCtx, cancel := context.WithTimeout(ctx, m.probeInterval*2)
		err := current.Ping(pingCtx)
		cancel()
		if err == nil {
			return current, nil
		}
		m.logger.Warn("capture worker unresponsive, replacing", zap.Error(err))
		m.detach(current)
		current.Kill()
	}

	var worker *Worker
	worker = NewWorker(m.cfg, m.ffmpeg, m.ingest, m.store, m.sink, func(reason string) {
		m.handleExit(worker, reason)
	}, m.onStreamEnd, m.logger)

	deadline := time.Now().Add(m.readyTimeout)
	for {
		pingCtx, cancel := context.WithTimeout(ctx, m.probeInterval)
		err := worker.Ping(pingCtx)
		cancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			worker.Kill()
			return nil, ErrContextUnavailable
		}
		select {
		case <-ctx.Done():
			worker.Kill()
			return nil, ctx.Err()
		case <-time.After(m.probeInterval):
		}
	}

	m.mu.Lock()
	m.worker = worker
	m.mu.Unlock()
	return worker, nil
}

// Current returns the live worker without spawning, nil when none.
func (m *Manager) Current() *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worker
}

// Release kills the current worker deliberately; the loss callback does
// not fire.
func (m *Manager) Release() {
	m.mu.Lock()
	worker := m.worker
	m.worker = nil
	m.mu.Unlock()
	if worker != nil {
		worker.Kill()
	}
}

// detach clears the slot if it still holds w.
func (m *Manager) detach(w *Worker) {
	m.mu.Lock()
	if m.worker == w {
		m.worker = nil
	}
	m.mu.Unlock()
}

func (m *Manager) handleExit(w *Worker, reason string) {
	m.mu.Lock()
	lost := m.worker == w && w != nil
	if lost {
		m.worker = nil
	}
	m.mu.Unlock()

	if !lost {
		// Replaced or released workers exit without a loss report.
		return
	}
	m.logger.Warn("capture worker exited", zap.String("reason", reason))
	if m.onLost != nil {
		m.onLost(reason)
	}
}
