package upload

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Progress milestones for the post-stop remote upload.
const (
	ProgressStarted     = 10
	ProgressPrepared    = 20
	ProgressTransferred = 70
	ProgressAssembled   = 85
	ProgressComplete    = 100
)

type item struct {
	sessionID string
	seq       int
	payload   []byte
}

type sessionState struct {
	recordingID string
	uploaded    map[int]bool
	failed      bool
}

// Uploader streams fragments to the backend in batches while a recording
// runs. One transfer failure latches the session as failed: no further
// fragments are sent and the stop flow falls back to a full-artifact
// upload. Fragments stay in the local store either way.
type Uploader struct {
	client    *Client
	batchSize int
	attempts  int
	logger    *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []item
	inflight bool
	draining bool
	closed   bool
	sessions map[string]*sessionState
}

func NewUploader(client *Client, batchSize, attempts int, logger *zap.Logger) *Uploader {
	u := &Uploader{
		client:    client,
		batchSize: batchSize,
		attempts:  attempts,
		logger:    logger,
		sessions:  make(map[string]*sessionState),
	}
	u.cond = sync.NewCond(&u.mu)
	go u.run()
	return u
}

// Track binds a session to its remote recording row. Fragments enqueued for
// untracked sessions are dropped; that is the local-only path.
func (u *Uploader) Track(sessionID, recordingID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sessions[sessionID] = &sessionState{
		recordingID: recordingID,
		uploaded:    make(map[int]bool),
	}
}

// Forget drops a session's bookkeeping and any queued fragments.
func (u *Uploader) Forget(sessionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.sessions, sessionID)
	u.dropPendingLocked(sessionID)
}

// Enqueue queues a fragment for transfer. Never blocks the capture path.
func (u *Uploader) Enqueue(sessionID string, seq int, payload []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	st := u.sessions[sessionID]
	if st == nil || st.failed || u.closed {
		return
	}
	u.pending = append(u.pending, item{sessionID: sessionID, seq: seq, payload: payload})
	u.cond.Broadcast()
}

// Failed reports whether the session's progressive upload latched failed.
func (u *Uploader) Failed(sessionID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	st := u.sessions[sessionID]
	return st != nil && st.failed
}

// CanFinalizeRemote reports whether every fragment up to total made it to
// the backend, which permits remote assembly instead of a full upload.
func (u *Uploader) CanFinalizeRemote(sessionID string, total int) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	st := u.sessions[sessionID]
	if st == nil || st.failed {
		return false
	}
	for seq := 0; seq < total; seq++ {
		if !st.uploaded[seq] {
			return false
		}
	}
	return true
}

// Drain flushes everything queued and waits for in-flight transfers. Call
// after the final fragment is enqueued and before deciding the finalize
// path.
func (u *Uploader) Drain(ctx context.Context) error {
	u.mu.Lock()
	u.draining = true
	u.cond.Broadcast()
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.draining = false
		u.mu.Unlock()
	}()

	done := make(chan struct{})
	abandoned := false
	go func() {
		u.mu.Lock()
		for (len(u.pending) > 0 || u.inflight) && !u.closed && !abandoned {
			u.cond.Wait()
		}
		u.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiter and join it before returning.
		u.mu.Lock()
		abandoned = true
		u.cond.Broadcast()
		u.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Close stops the transfer loop.
func (u *Uploader) Close() {
	u.mu.Lock()
	u.closed = true
	u.cond.Broadcast()
	u.mu.Unlock()
}

func (u *Uploader) run() {
	for {
		u.mu.Lock()
		for len(u.pending) == 0 && !u.closed {
			u.cond.Wait()
		}
		if u.closed {
			u.mu.Unlock()
			return
		}
		// Hold out for a full batch unless a drain wants the remainder now.
		for len(u.pending) < u.batchSize && !u.draining && !u.closed {
			u.cond.Wait()
		}
		if u.closed {
			u.mu.Unlock()
			return
		}
		n := len(u.pending)
		if n > u.batchSize {
			n = u.batchSize
		}
		batch := make([]item, n)
		copy(batch, u.pending)
		u.pending = u.pending[n:]
		u.inflight = true
		u.mu.Unlock()

		u.transfer(batch)

		u.mu.Lock()
		u.inflight = false
		u.cond.Broadcast()
		u.mu.Unlock()
	}
}

func (u *Uploader) transfer(batch []item) {
	for _, it := range batch {
		u.mu.Lock()
		st := u.sessions[it.sessionID]
		failed := st == nil || st.failed
		recordingID := ""
		if st != nil {
			recordingID = st.recordingID
		}
		u.mu.Unlock()
		if failed {
			continue
		}

		if err := u.client.UploadFragmentObject(recordingID, it.seq, it.payload); err != nil {
			u.logger.Warn("fragment upload failed, switching to fallback",
				zap.String("session", it.sessionID),
				zap.Int("seq", it.seq),
				zap.Error(err))
			u.latchFailed(it.sessionID)
			continue
		}

		u.mu.Lock()
		if st := u.sessions[it.sessionID]; st != nil {
			st.uploaded[it.seq] = true
		}
		u.mu.Unlock()
	}
}

func (u *Uploader) latchFailed(sessionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if st := u.sessions[sessionID]; st != nil {
		st.failed = true
	}
	u.dropPendingLocked(sessionID)
}

func (u *Uploader) dropPendingLocked(sessionID string) {
	kept := u.pending[:0]
	for _, it := range u.pending {
		if it.sessionID != sessionID {
			kept = append(kept, it)
		}
	}
	u.pending = kept
	u.cond.Broadcast()
}

// UploadFallback pushes the assembled artifact as one object, retrying up
// to the configured attempt count and refreshing credentials once when they
// look expired. progress may be nil.
func (u *Uploader) UploadFallback(recordingID string, payload []byte, progress func(percent int)) error {
	report := func(p int) {
		if progress != nil {
			progress(p)
		}
	}
	report(ProgressPrepared)

	var lastErr error
	refreshed := false
	for attempt := 1; attempt <= u.attempts; attempt++ {
		lastErr = u.client.UploadFullArtifact(recordingID, payload)
		if lastErr == nil {
			report(ProgressTransferred)
			return nil
		}
		u.logger.Warn("fallback upload attempt failed",
			zap.Int("attempt", attempt), zap.Error(lastErr))

		// Credentials are refreshed at most once, from the second failed
		// attempt on, when the failure looks like an expired token.
		if !refreshed && attempt >= 2 && u.client.IsCredentialExpired(lastErr) {
			if err := u.client.RefreshToken(); err != nil {
				u.logger.Warn("token refresh failed", zap.Error(err))
			} else {
				refreshed = true
			}
		}
		if attempt < u.attempts {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}
	return errors.Wrap(lastErr, "fallback upload exhausted retries")
}
