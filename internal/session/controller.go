package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ilaydaydemir/screencast/internal/bus"
	"github.com/ilaydaydemir/screencast/internal/capture"
	"github.com/ilaydaydemir/screencast/internal/config"
	"github.com/ilaydaydemir/screencast/internal/store"
	"github.com/ilaydaydemir/screencast/internal/upload"
)

// Worker is the slice of a capture worker the controller drives.
type Worker interface {
	Prepare(ctx context.Context, spec capture.StartSpec) (capture.StartInfo, error)
	Begin(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) (capture.StopResult, error)
	Discard(ctx context.Context) error
	Heartbeat(ctx context.Context) error
	Exited() <-chan struct{}
}

// WorkerProvider hands out a live capture worker, spawning one on demand.
type WorkerProvider interface {
	Ensure(ctx context.Context) (Worker, error)
	Current() Worker
	Release()
}

// Keeper beats a worker while the controller has outstanding work.
type Keeper interface {
	Start(worker capture.Beater)
	Stop()
}

// ArtifactStore is the durable local side of a recording.
type ArtifactStore interface {
	LoadArtifact(ctx context.Context, sessionID string) ([]byte, string, error)
	LoadMeta(ctx context.Context, sessionID string) (*store.Meta, error)
	Purge(ctx context.Context, sessionID string) error
}

// Backend is the remote row-and-object service.
type Backend interface {
	Enabled() bool
	CreateRecordingRow(mode string, startedAt time.Time) (*upload.Row, error)
	AssembleFragments(recordingID, title string, duration time.Duration, fragmentCount int, mimeType string) error
	FinalizeRow(recordingID string, sizeBytes int64, duration time.Duration, mimeType string) error
	UploadThumbnail(recordingID string, image []byte) error
	DeleteRecordingRow(recordingID string) error
}

// PosterExtractor produces a still image from an encoded artifact.
type PosterExtractor interface {
	ExtractPoster(artifact []byte) ([]byte, error)
}

// FragmentUploader is the progressive upload path.
type FragmentUploader interface {
	Track(sessionID, recordingID string)
	Forget(sessionID string)
	Drain(ctx context.Context) error
	CanFinalizeRemote(sessionID string, total int) bool
	UploadFallback(recordingID string, payload []byte, progress func(percent int)) error
}

// Controller owns the session state machine. It is the only writer of
// session state; every transition is broadcast as an idempotent snapshot
// event so UI consumers tolerate duplicates and missed deliveries.
type Controller struct {
	cfg      config.CaptureConfig
	download string

	provider  WorkerProvider
	keepalive Keeper
	store     ArtifactStore
	backend   Backend
	uploader  FragmentUploader
	poster    PosterExtractor
	events    *bus.Bus
	logger    *zap.Logger

	mu           sync.Mutex
	sess         *Session
	lastErr      string
	lastFinalize *FinalizeResult
	finalizing   bool
}

func NewController(cfg config.CaptureConfig, downloadDir string, provider WorkerProvider, keepalive Keeper, artifacts ArtifactStore, backend Backend, uploader FragmentUploader, events *bus.Bus, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		download:  downloadDir,
		provider:  provider,
		keepalive: keepalive,
		store:     artifacts,
		backend:   backend,
		uploader:  uploader,
		events:    events,
		logger:    logger,
	}
}

// SetPoster registers the optional poster-frame extractor used on upload.
func (c *Controller) SetPoster(p PosterExtractor) {
	c.poster = p
}

func (c *Controller) publishState(state State) {
	c.events.Publish(bus.TopicSessionEvents, bus.StateChanged(string(state)))
}

// Start begins a new recording attempt. It fails fast while another
// session is active and surfaces permission and context failures before
// any countdown runs.
func (c *Controller) Start(ctx context.Context, mode, cameraID, micID string) (Snapshot, error) {
	if !capture.ValidMode(mode) {
		return Snapshot{}, errors.Errorf("unknown recording mode %q", mode)
	}

	c.mu.Lock()
	if c.sess != nil {
		switch c.sess.State {
		case StateCountdown, StateRecording, StatePaused:
			c.mu.Unlock()
			return Snapshot{}, ErrAlreadyRecording
		}
	}
	// Reserve the slot before releasing the lock so a racing start loses.
	c.sess = &Session{State: StateCountdown, Mode: mode, StartedAt: time.Now()}
	c.lastErr = ""
	c.lastFinalize = nil
	c.mu.Unlock()

	sessionID, remoteID := c.createRow(mode)

	worker, err := c.provider.Ensure(ctx)
	if err != nil {
		c.failStart(remoteID, "capture context unavailable")
		return Snapshot{}, err
	}

	info, err := worker.Prepare(ctx, capture.StartSpec{
		SessionID: sessionID,
		Mode:      mode,
		CameraID:  cameraID,
		MicID:     micID,
	})
	if err != nil {
		c.failStart(remoteID, err.Error())
		return Snapshot{}, err
	}

	c.mu.Lock()
	c.sess.ID = sessionID
	c.sess.RemoteID = remoteID
	c.sess.MimeType = info.MimeType
	c.sess.IngestKey = info.IngestKey
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.keepalive.Start(worker)
	c.publishState(StateCountdown)
	c.logger.Info("recording starting",
		zap.String("session", sessionID),
		zap.String("mode", mode),
		zap.String("mime", info.MimeType))

	go c.runCountdown(worker, sessionID)
	return snap, nil
}

// createRow registers the remote row up front so the session id doubles as
// the remote artifact id. When that fails the session runs local-only.
func (c *Controller) createRow(mode string) (sessionID, remoteID string) {
	if c.backend.Enabled() {
		row, err := c.backend.CreateRecordingRow(mode, time.Now())
		if err == nil {
			c.uploader.Track(row.ID, row.ID)
			return row.ID, row.ID
		}
		c.logger.Warn("recording row creation failed, recording locally only", zap.Error(err))
	}
	return uuid.NewString(), ""
}

func (c *Controller) failStart(remoteID, reason string) {
	c.mu.Lock()
	c.sess = nil
	c.lastErr = reason
	c.mu.Unlock()
	c.publishState(StateIdle)
	if remoteID != "" {
		if err := c.backend.DeleteRecordingRow(remoteID); err != nil {
			c.logger.Warn("orphan row cleanup failed", zap.String("row", remoteID), zap.Error(err))
		}
		c.uploader.Forget(remoteID)
	}
}

func (c *Controller) runCountdown(worker Worker, sessionID string) {
	select {
	case <-time.After(time.Duration(c.cfg.CountdownSeconds) * time.Second):
	case <-worker.Exited():
		return
	}

	c.mu.Lock()
	abort := c.sess == nil || c.sess.ID != sessionID || c.sess.State != StateCountdown
	c.mu.Unlock()
	if abort {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := worker.Begin(ctx)
	cancel()
	if err != nil {
		c.logger.Error("encoder start failed", zap.String("session", sessionID), zap.Error(err))
		c.mu.Lock()
		// A racing discard may have dropped the session already.
		live := c.sess != nil && c.sess.ID == sessionID
		if live {
			c.sess.State = StateFailed
			c.lastErr = err.Error()
		}
		c.mu.Unlock()
		if live {
			c.publishState(StateFailed)
		}
		discardCtx, discardCancel := context.WithTimeout(context.Background(), 5*time.Second)
		worker.Discard(discardCtx)
		discardCancel()
		return
	}

	c.mu.Lock()
	if c.sess == nil || c.sess.ID != sessionID || c.sess.State != StateCountdown {
		c.mu.Unlock()
		return
	}
	c.sess.State = StateRecording
	c.sess.StartedAt = time.Now()
	c.mu.Unlock()
	c.publishState(StateRecording)

	go c.runTimer(sessionID)
}

// runTimer drives the elapsed counter while recording, freezes it while
// paused and enforces the auto-stop bound.
func (c *Controller) runTimer(sessionID string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	maxSeconds := int(c.cfg.MaxDuration.Seconds())
	for range ticker.C {
		c.mu.Lock()
		if c.sess == nil || c.sess.ID != sessionID {
			c.mu.Unlock()
			return
		}
		switch c.sess.State {
		case StateRecording:
			c.sess.Elapsed++
			elapsed := c.sess.Elapsed
			c.mu.Unlock()
			c.events.Publish(bus.TopicSessionEvents, bus.TimerSync(elapsed))
			if maxSeconds > 0 && elapsed >= maxSeconds {
				c.logger.Warn("max duration reached, stopping",
					zap.String("session", sessionID), zap.Int("elapsed", elapsed))
				go c.Stop(context.Background())
				return
			}
		case StatePaused:
			c.mu.Unlock()
		default:
			c.mu.Unlock()
			return
		}
	}
}

// Pause suspends encoding. Elapsed time freezes; sequence numbering
// continues without a gap on resume.
func (c *Controller) Pause(ctx context.Context) error {
	return c.togglePause(ctx, StateRecording, StatePaused, func(w Worker) error { return w.Pause(ctx) })
}

// Resume continues a paused recording.
func (c *Controller) Resume(ctx context.Context) error {
	return c.togglePause(ctx, StatePaused, StateRecording, func(w Worker) error { return w.Resume(ctx) })
}

func (c *Controller) togglePause(ctx context.Context, from, to State, op func(Worker) error) error {
	c.mu.Lock()
	if c.sess == nil || c.sess.State != from {
		c.mu.Unlock()
		return ErrInvalidState
	}
	sessionID := c.sess.ID
	c.mu.Unlock()

	worker := c.provider.Current()
	if worker == nil {
		return capture.ErrContextUnavailable
	}
	if err := op(worker); err != nil {
		return err
	}

	c.mu.Lock()
	// A discard or context loss may have raced the worker call; only the
	// same live session takes the transition.
	if c.sess == nil || c.sess.ID != sessionID || c.sess.State != from {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.sess.State = to
	c.mu.Unlock()
	c.publishState(to)
	return nil
}

// Stop finalizes the local artifact and reports its totals. Repeated calls
// return the last known result. The remote upload is a separate step.
func (c *Controller) Stop(ctx context.Context) (FinalizeResult, error) {
	c.mu.Lock()
	if c.sess == nil {
		last := c.lastFinalize
		c.mu.Unlock()
		if last != nil {
			return *last, nil
		}
		return FinalizeResult{}, ErrInvalidState
	}
	switch c.sess.State {
	case StateRecording, StatePaused:
	case StateStopped, StateFinalizing:
		last := c.lastFinalize
		c.mu.Unlock()
		if last != nil {
			return *last, nil
		}
		return FinalizeResult{}, ErrInvalidState
	default:
		c.mu.Unlock()
		return FinalizeResult{}, ErrInvalidState
	}
	c.sess.State = StateFinalizing
	sessionID := c.sess.ID
	elapsed := c.sess.Elapsed
	c.mu.Unlock()
	c.publishState(StateFinalizing)

	var size int64
	worker := c.provider.Current()
	if worker != nil {
		result, err := worker.Stop(ctx)
		if err == nil {
			size = result.ArtifactSize
		} else {
			c.logger.Warn("worker stop failed, reading back from store",
				zap.String("session", sessionID), zap.Error(err))
			size = c.storedSize(ctx, sessionID)
		}
	} else {
		size = c.storedSize(ctx, sessionID)
	}

	// The final flush may still be queued; let it reach the backend before
	// deciding the finalize path later.
	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := c.uploader.Drain(drainCtx); err != nil {
		c.logger.Warn("upload drain interrupted", zap.Error(err))
	}
	cancel()

	result := FinalizeResult{Elapsed: elapsed, ArtifactSizeBytes: size}
	c.mu.Lock()
	if c.sess == nil || c.sess.ID != sessionID {
		// Discarded while finalizing; the purge already happened.
		c.mu.Unlock()
		return FinalizeResult{}, ErrInvalidState
	}
	c.sess.State = StateStopped
	c.lastFinalize = &result
	c.mu.Unlock()

	c.events.Publish(bus.TopicSessionEvents, bus.RecordingStopped(size, false))
	c.publishState(StateStopped)
	c.logger.Info("recording stopped",
		zap.String("session", sessionID),
		zap.Int("elapsed", elapsed),
		zap.Int64("bytes", size))
	return result, nil
}

func (c *Controller) storedSize(ctx context.Context, sessionID string) int64 {
	artifact, _, err := c.store.LoadArtifact(ctx, sessionID)
	if err != nil {
		return 0
	}
	return int64(len(artifact))
}

// Discard drops the session and purges its durable data. Safe from any
// state.
func (c *Controller) Discard(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.lastFinalize = nil
	c.lastErr = ""
	c.mu.Unlock()

	if sess == nil {
		c.publishState(StateIdle)
		return nil
	}

	if worker := c.provider.Current(); worker != nil {
		discardCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		worker.Discard(discardCtx)
		cancel()
	}
	c.keepalive.Stop()

	if err := c.store.Purge(ctx, sess.ID); err != nil {
		c.logger.Warn("purge failed", zap.String("session", sess.ID), zap.Error(err))
	}
	c.uploader.Forget(sess.ID)
	if sess.RemoteID != "" {
		if err := c.backend.DeleteRecordingRow(sess.RemoteID); err != nil {
			c.logger.Warn("remote row delete failed",
				zap.String("row", sess.RemoteID), zap.Error(err))
		}
	}

	c.publishState(StateIdle)
	c.logger.Info("recording discarded", zap.String("session", sess.ID))
	return nil
}

// UploadToRemote delivers the stopped recording to the backend, preferring
// remote assembly of the already-uploaded fragments and falling back to a
// single full-artifact upload. On success local data is purged and the
// controller returns to Idle.
func (c *Controller) UploadToRemote(ctx context.Context, title string) (string, error) {
	c.mu.Lock()
	if c.sess == nil || c.sess.State != StateStopped || c.finalizing {
		c.mu.Unlock()
		return "", ErrInvalidState
	}
	c.finalizing = true
	sess := *c.sess
	c.sess.State = StateFinalizing
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.finalizing = false
		c.mu.Unlock()
	}()
	c.publishState(StateFinalizing)

	remoteID, err := c.deliver(ctx, sess, title)
	if err != nil {
		c.mu.Lock()
		if c.sess != nil {
			c.sess.State = StateStopped
		}
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.events.Publish(bus.TopicSessionEvents, bus.UploadFailed(err.Error()))
		c.publishState(StateStopped)
		return "", err
	}

	if err := c.store.Purge(ctx, sess.ID); err != nil {
		c.logger.Warn("post-upload purge failed", zap.String("session", sess.ID), zap.Error(err))
	}
	c.uploader.Forget(sess.ID)
	c.keepalive.Stop()

	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()

	c.events.Publish(bus.TopicSessionEvents, bus.UploadProgress(upload.ProgressComplete))
	c.events.Publish(bus.TopicSessionEvents, bus.UploadComplete(remoteID))
	c.publishState(StateIdle)
	c.logger.Info("recording uploaded", zap.String("session", sess.ID), zap.String("remote", remoteID))
	return remoteID, nil
}

func (c *Controller) deliver(ctx context.Context, sess Session, title string) (string, error) {
	progress := func(percent int) {
		c.events.Publish(bus.TopicSessionEvents, bus.UploadProgress(percent))
	}
	progress(upload.ProgressStarted)

	if !c.backend.Enabled() {
		return "", errors.New("no backend configured")
	}

	artifact, mimeType, err := c.store.LoadArtifact(ctx, sess.ID)
	if err != nil {
		if errors.Is(err, store.ErrNoRecordingFound) {
			return "", ErrNoArtifact
		}
		return "", err
	}

	duration := time.Duration(c.elapsedOf(sess.ID)) * time.Second
	remoteID := sess.RemoteID

	if remoteID != "" {
		if meta, metaErr := c.store.LoadMeta(ctx, sess.ID); metaErr == nil && meta != nil &&
			meta.Count > 0 && c.uploader.CanFinalizeRemote(sess.ID, meta.Count) {
			progress(upload.ProgressPrepared)
			if err := c.backend.AssembleFragments(remoteID, title, duration, meta.Count, mimeType); err == nil {
				progress(upload.ProgressAssembled)
				c.uploadThumbnail(remoteID, artifact)
				return remoteID, nil
			} else {
				c.logger.Warn("remote assembly failed, falling back to full upload",
					zap.String("session", sess.ID), zap.Error(err))
			}
		}
	}

	if remoteID == "" {
		row, rowErr := c.backend.CreateRecordingRow(sess.Mode, sess.StartedAt)
		if rowErr != nil {
			return "", errors.Wrap(rowErr, "create recording row")
		}
		remoteID = row.ID
	}

	if err := c.uploader.UploadFallback(remoteID, artifact, progress); err != nil {
		return "", err
	}
	if err := c.backend.FinalizeRow(remoteID, int64(len(artifact)), duration, mimeType); err != nil {
		return "", errors.Wrap(err, "finalize recording row")
	}
	progress(upload.ProgressAssembled)
	c.uploadThumbnail(remoteID, artifact)
	return remoteID, nil
}

// uploadThumbnail attaches a poster frame to the delivered recording. Best
// effort: a missing extractor or a failed extraction never fails the upload.
func (c *Controller) uploadThumbnail(recordingID string, artifact []byte) {
	if c.poster == nil {
		return
	}
	image, err := c.poster.ExtractPoster(artifact)
	if err != nil {
		c.logger.Debug("poster extraction failed", zap.Error(err))
		return
	}
	if err := c.backend.UploadThumbnail(recordingID, image); err != nil {
		c.logger.Warn("thumbnail upload failed", zap.String("row", recordingID), zap.Error(err))
	}
}

func (c *Controller) elapsedOf(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil && c.sess.ID == sessionID {
		return c.sess.Elapsed
	}
	if c.lastFinalize != nil {
		return c.lastFinalize.Elapsed
	}
	return 0
}

// Download writes the stopped recording to the local download directory
// and returns the file path. Local data stays put; a later upload or
// discard decides its fate.
func (c *Controller) Download(ctx context.Context, title string) (string, error) {
	c.mu.Lock()
	if c.sess == nil || c.sess.State != StateStopped {
		c.mu.Unlock()
		return "", ErrInvalidState
	}
	sessionID := c.sess.ID
	c.mu.Unlock()

	artifact, mimeType, err := c.store.LoadArtifact(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNoRecordingFound) {
			return "", ErrNoArtifact
		}
		return "", err
	}

	if err := os.MkdirAll(c.download, 0o755); err != nil {
		return "", errors.Wrap(err, "create download dir")
	}
	name := fmt.Sprintf("%s-%s%s", sanitizeTitle(title), time.Now().Format("20060102-150405"), extFor(mimeType))
	path := filepath.Join(c.download, name)
	if err := os.WriteFile(path, artifact, 0o644); err != nil {
		return "", errors.Wrap(err, "write artifact")
	}

	c.logger.Info("recording downloaded", zap.String("session", sessionID), zap.String("path", path))
	return path, nil
}

// GetState reports the current snapshot.
func (c *Controller) GetState() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{State: StateIdle, LastError: c.lastErr}
	if c.sess != nil {
		snap.State = c.sess.State
		snap.Mode = c.sess.Mode
		snap.SessionID = c.sess.ID
		snap.Elapsed = c.sess.Elapsed
		snap.MimeType = c.sess.MimeType
		snap.IngestKey = c.sess.IngestKey
	}
	return snap
}

// HandleContextLost reacts to the capture worker dying outside a planned
// teardown. An active session moves to Stopped with the recoverable flag
// set; durable fragments may still reconstruct the artifact.
func (c *Controller) HandleContextLost(reason string) {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return
	}
	switch c.sess.State {
	case StateCountdown, StateRecording, StatePaused:
	default:
		c.mu.Unlock()
		return
	}
	sessionID := c.sess.ID
	elapsed := c.sess.Elapsed
	c.sess.State = StateStopped
	c.lastErr = "capture context lost: " + reason
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	size := c.storedSize(ctx, sessionID)
	cancel()

	c.mu.Lock()
	c.lastFinalize = &FinalizeResult{Elapsed: elapsed, ArtifactSizeBytes: size}
	c.mu.Unlock()

	c.logger.Error("capture context lost during recording",
		zap.String("session", sessionID),
		zap.String("reason", reason),
		zap.Int64("recoverable_bytes", size))
	c.events.Publish(bus.TopicSessionEvents, bus.RecordingStopped(size, true))
	c.publishState(StateStopped)
}

// HandleStreamEnd reacts to the capture stream ending on its own, which is
// an implicit stop request: finalize what was captured.
func (c *Controller) HandleStreamEnd(sessionID string) {
	c.mu.Lock()
	active := c.sess != nil && c.sess.ID == sessionID &&
		(c.sess.State == StateRecording || c.sess.State == StatePaused)
	c.mu.Unlock()
	if !active {
		return
	}
	c.logger.Info("capture stream ended, stopping", zap.String("session", sessionID))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.Stop(ctx); err != nil {
		c.logger.Warn("implicit stop failed", zap.String("session", sessionID), zap.Error(err))
	}
}

func sanitizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "recording"
	}
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "recording"
	}
	return b.String()
}

func extFor(mimeType string) string {
	if strings.Contains(mimeType, "x-flv") {
		return ".flv"
	}
	return ".webm"
}
