package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ilaydaydemir/screencast/internal/config"
)

type fragmentRecorder struct {
	mu    sync.Mutex
	paths []string
	fail  bool
	full  int
}

func (r *fragmentRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		http.Error(w, "storage offline", http.StatusBadGateway)
		return
	}
	if req.URL.Path == "/storage/recordings/rec/final" {
		r.full++
	} else {
		r.paths = append(r.paths, req.URL.Path)
	}
	w.WriteHeader(http.StatusOK)
}

func (r *fragmentRecorder) uploaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.paths))
	copy(out, r.paths)
	return out
}

func newTestUploader(t *testing.T, handler http.Handler, batchSize, attempts int) *Uploader {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(config.BackendConfig{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
	}, zap.NewNop())
	u := NewUploader(client, batchSize, attempts, zap.NewNop())
	t.Cleanup(u.Close)
	return u
}

func TestUploaderFlushesBatches(t *testing.T) {
	rec := &fragmentRecorder{}
	u := newTestUploader(t, rec, 5, 3)
	u.Track("sess", "rec")

	for seq := 0; seq < 12; seq++ {
		u.Enqueue("sess", seq, []byte{byte(seq)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, u.Drain(ctx))

	assert.Len(t, rec.uploaded(), 12)
	assert.True(t, u.CanFinalizeRemote("sess", 12))
	assert.False(t, u.CanFinalizeRemote("sess", 13))
}

func TestUploaderUntrackedSessionDropsFragments(t *testing.T) {
	rec := &fragmentRecorder{}
	u := newTestUploader(t, rec, 2, 3)

	u.Enqueue("unknown", 0, []byte("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, u.Drain(ctx))
	assert.Empty(t, rec.uploaded())
}

func TestUploaderLatchesOnFailure(t *testing.T) {
	rec := &fragmentRecorder{fail: true}
	u := newTestUploader(t, rec, 2, 3)
	u.Track("sess", "rec")

	u.Enqueue("sess", 0, []byte("a"))
	u.Enqueue("sess", 1, []byte("b"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, u.Drain(ctx))

	assert.True(t, u.Failed("sess"))
	assert.False(t, u.CanFinalizeRemote("sess", 2))

	// Once latched, later fragments never hit the network.
	rec.mu.Lock()
	rec.fail = false
	rec.mu.Unlock()
	u.Enqueue("sess", 2, []byte("c"))
	require.NoError(t, u.Drain(ctx))
	assert.Empty(t, rec.uploaded())
}

func TestUploadFallbackRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	u := newTestUploader(t, handler, 5, 3)

	var milestones []int
	err := u.UploadFallback("rec", []byte("artifact"), func(p int) {
		milestones = append(milestones, p)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, milestones, ProgressPrepared)
	assert.Contains(t, milestones, ProgressTransferred)
}

func TestUploadFallbackExhaustsRetries(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	u := newTestUploader(t, handler, 5, 2)

	err := u.UploadFallback("rec", []byte("artifact"), nil)
	require.Error(t, err)
}

func TestUploadFallbackRefreshesExpiredCredentials(t *testing.T) {
	var mu sync.Mutex
	var auths []string
	mux := http.NewServeMux()
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"fresh"}`))
	})
	mux.HandleFunc("/storage/recordings/rec/final", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		n := len(auths)
		mu.Unlock()
		if n <= 2 {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(config.BackendConfig{
		BaseURL:    srv.URL,
		AuthToken:  "stale",
		RefreshURL: srv.URL + "/refresh",
		Timeout:    5 * time.Second,
	}, zap.NewNop())
	u := NewUploader(client, 5, 3, zap.NewNop())
	t.Cleanup(u.Close)

	require.NoError(t, u.UploadFallback("rec", []byte("artifact"), nil))

	// The refresh slots in between the second and third attempts.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, auths, 3)
	assert.Equal(t, "Bearer stale", auths[0])
	assert.Equal(t, "Bearer stale", auths[1])
	assert.Equal(t, "Bearer fresh", auths[2])
}

func TestDrainHonorsContextWhileTransferInFlight(t *testing.T) {
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	})
	u := newTestUploader(t, handler, 1, 3)
	u.Track("sess", "rec")
	u.Enqueue("sess", 0, []byte("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, u.Drain(ctx), context.DeadlineExceeded)

	// A later drain still completes once the transfer goes through.
	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, u.Drain(ctx2))
	assert.True(t, u.CanFinalizeRemote("sess", 1))
}

func TestForgetDropsQueuedWork(t *testing.T) {
	rec := &fragmentRecorder{fail: true}
	u := newTestUploader(t, rec, 100, 3)
	u.Track("sess", "rec")
	u.Enqueue("sess", 0, []byte("a"))

	u.Forget("sess")
	assert.False(t, u.Failed("sess"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, u.Drain(ctx))
	assert.Empty(t, rec.uploaded())
}
