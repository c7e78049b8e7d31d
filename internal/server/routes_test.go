package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilaydaydemir/screencast/internal/bus"
	"github.com/ilaydaydemir/screencast/internal/capture"
	"github.com/ilaydaydemir/screencast/internal/config"
	"github.com/ilaydaydemir/screencast/internal/logger"
	"github.com/ilaydaydemir/screencast/internal/preview"
	"github.com/ilaydaydemir/screencast/internal/session"
	"github.com/ilaydaydemir/screencast/internal/store"
	"github.com/ilaydaydemir/screencast/internal/upload"
)

type stubProvider struct {
	err error
}

func (p *stubProvider) Ensure(ctx context.Context) (session.Worker, error) {
	return nil, p.err
}

func (p *stubProvider) Current() session.Worker { return nil }

func (p *stubProvider) Release() {}

type stubKeeper struct{}

func (stubKeeper) Start(capture.Beater) {}
func (stubKeeper) Stop()                {}

type stubStore struct{}

func (stubStore) LoadArtifact(ctx context.Context, sessionID string) ([]byte, string, error) {
	return nil, "", store.ErrNoRecordingFound
}

func (stubStore) LoadMeta(ctx context.Context, sessionID string) (*store.Meta, error) {
	return &store.Meta{}, nil
}

func (stubStore) Purge(ctx context.Context, sessionID string) error { return nil }

type stubBackend struct{}

func (stubBackend) Enabled() bool { return false }

func (stubBackend) CreateRecordingRow(mode string, startedAt time.Time) (*upload.Row, error) {
	return nil, nil
}

func (stubBackend) AssembleFragments(recordingID, title string, duration time.Duration, fragmentCount int, mimeType string) error {
	return nil
}

func (stubBackend) FinalizeRow(recordingID string, sizeBytes int64, duration time.Duration, mimeType string) error {
	return nil
}

func (stubBackend) UploadThumbnail(recordingID string, image []byte) error { return nil }

func (stubBackend) DeleteRecordingRow(recordingID string) error { return nil }

type stubUploader struct{}

func (stubUploader) Track(sessionID, recordingID string) {}

func (stubUploader) Forget(sessionID string) {}

func (stubUploader) Drain(ctx context.Context) error { return nil }

func (stubUploader) CanFinalizeRemote(sessionID string, total int) bool { return false }
func (stubUploader) UploadFallback(recordingID string, payload []byte, progress func(percent int)) error {
	return nil
}

func newTestServer(t *testing.T) *FiberServer {
	t.Helper()

	log := logger.Nop()
	events := bus.New(log)
	t.Cleanup(func() { events.Close() })

	cfg := &config.Config{}
	cfg.Capture = config.CaptureConfig{
		FrameRate:        30,
		Width:            640,
		Height:           480,
		FragmentInterval: time.Second,
		MaxDuration:      time.Hour,
	}

	controller := session.NewController(cfg.Capture, t.TempDir(),
		&stubProvider{err: capture.ErrContextUnavailable},
		stubKeeper{}, stubStore{}, stubBackend{}, stubUploader{}, events, log)

	previewMgr, err := preview.NewManager(log)
	require.NoError(t, err)

	srv := New(cfg, controller, capture.NewFFmpeg("/nonexistent/ffmpeg"), previewMgr, NewHub(events, log), log)
	srv.RegisterRoutes()
	return srv
}

func doJSON(t *testing.T, srv *FiberServer, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRootRoute(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "screencast-agent", decodeBody(t, resp)["name"])
}

func TestHealthDegradedWithoutFfmpeg(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", decodeBody(t, resp)["status"])
}

func TestStateStartsIdle(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/state", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", decodeBody(t, resp)["state"])
}

func TestStartRejectsUnknownMode(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/control/start", map[string]string{"mode": "hologram"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartMapsContextUnavailable(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/control/start", map[string]string{"mode": "full-screen"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["success"])
}

func TestControlInvalidStateConflicts(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/control/stop", "/control/pause", "/control/resume"} {
		resp := doJSON(t, srv, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode, path)
	}
}

func TestDownloadRequiresStoppedSession(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/control/download", map[string]string{"title": "demo"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUploadRequiresStoppedSession(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/control/upload", map[string]string{"title": "demo"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPreviewOfferRejectsGarbageSDP(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/preview/offer", map[string]string{
		"viewerId": "v1",
		"sdp":      "not an sdp",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPreviewCandidateUnknownViewer(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/preview/candidate", map[string]string{
		"viewerId":  "missing",
		"candidate": "candidate:1 1 udp 1 127.0.0.1 40000 typ host",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPreviewCloseIsIdempotent(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodDelete, "/preview/viewer-9", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
