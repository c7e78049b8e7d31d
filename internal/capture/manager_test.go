package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopStore struct{}

func (nopStore) Append(ctx context.Context, sessionID string, seq int, payload []byte, mimeType string) error {
	return nil
}

func (nopStore) SaveFinal(ctx context.Context, sessionID string, payload []byte, mimeType string) error {
	return nil
}

type nopSink struct{}

func (nopSink) Enqueue(sessionID string, seq int, payload []byte) {}

func testWorkerConfig(ttl time.Duration) WorkerConfig {
	return WorkerConfig{
		Params:           Params{Width: 64, Height: 64, FrameRate: 10},
		FragmentInterval: 50 * time.Millisecond,
		KeepaliveTTL:     ttl,
	}
}

func newTestManager(ttl time.Duration) *Manager {
	return NewManager(testWorkerConfig(ttl), NewFFmpeg("ffmpeg"), nil, nopStore{}, nopSink{},
		2*time.Second, 10*time.Millisecond, zap.NewNop())
}

func TestEnsureSpawnsAndReuses(t *testing.T) {
	m := newTestManager(time.Minute)
	ctx := context.Background()

	first, err := m.Ensure(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	defer first.Kill()

	second, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second, "a responsive worker must be reused")
}

func TestEnsureReplacesDeadWorker(t *testing.T) {
	m := newTestManager(time.Minute)
	ctx := context.Background()

	first, err := m.Ensure(ctx)
	require.NoError(t, err)

	first.Kill()
	<-first.Exited()

	second, err := m.Ensure(ctx)
	require.NoError(t, err)
	defer second.Kill()
	assert.NotSame(t, first, second)
}

func TestWorkerIdleReap(t *testing.T) {
	m := newTestManager(50 * time.Millisecond)

	var mu sync.Mutex
	var lostReason string
	m.OnLost(func(reason string) {
		mu.Lock()
		lostReason = reason
		mu.Unlock()
	})

	worker, err := m.Ensure(context.Background())
	require.NoError(t, err)

	select {
	case <-worker.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("idle worker was never reaped")
	}

	mu.Lock()
	assert.Equal(t, "idle", lostReason)
	mu.Unlock()
	assert.Nil(t, m.Current())
}

func TestHeartbeatDefersIdleReap(t *testing.T) {
	m := newTestManager(80 * time.Millisecond)
	worker, err := m.Ensure(context.Background())
	require.NoError(t, err)
	defer worker.Kill()

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, worker.Heartbeat(context.Background()))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-worker.Exited():
		t.Fatal("worker reaped despite heartbeats")
	default:
	}
}

func TestKilledWorkerReportsLost(t *testing.T) {
	m := newTestManager(time.Minute)

	lost := make(chan string, 1)
	m.OnLost(func(reason string) { lost <- reason })

	worker, err := m.Ensure(context.Background())
	require.NoError(t, err)

	worker.Kill()

	select {
	case reason := <-lost:
		assert.Equal(t, "killed", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("loss callback never fired")
	}
}

func TestReleaseDoesNotReportLost(t *testing.T) {
	m := newTestManager(time.Minute)

	lost := make(chan string, 1)
	m.OnLost(func(reason string) { lost <- reason })

	worker, err := m.Ensure(context.Background())
	require.NoError(t, err)

	m.Release()
	<-worker.Exited()

	select {
	case reason := <-lost:
		t.Fatalf("unexpected loss report %q after deliberate release", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorkerRejectsOutOfOrderRequests(t *testing.T) {
	w := NewWorker(testWorkerConfig(time.Minute), NewFFmpeg("ffmpeg"), nil, nopStore{}, nopSink{}, nil, nil, zap.NewNop())
	defer w.Kill()
	ctx := context.Background()

	require.NoError(t, w.Ping(ctx))
	assert.Error(t, w.Begin(ctx), "begin without prepare must fail")
	assert.Error(t, w.Pause(ctx), "pause without active capture must fail")
	_, err := w.Stop(ctx)
	assert.Error(t, err, "stop without active capture must fail")
	assert.NoError(t, w.Discard(ctx), "discard is safe from any state")
}

func TestDeadWorkerIsUnreachable(t *testing.T) {
	w := NewWorker(testWorkerConfig(time.Minute), NewFFmpeg("ffmpeg"), nil, nopStore{}, nopSink{}, nil, nil, zap.NewNop())
	w.Kill()
	<-w.Exited()

	err := w.Ping(context.Background())
	assert.ErrorIs(t, err, ErrContextUnavailable)
}

func TestValidMode(t *testing.T) {
	assert.True(t, ValidMode(ModeFullScreen))
	assert.True(t, ValidMode(ModeWindow))
	assert.True(t, ValidMode(ModeTab))
	assert.True(t, ValidMode(ModeCameraOnly))
	assert.False(t, ValidMode("screencast"))
	assert.False(t, ValidMode(""))
}
