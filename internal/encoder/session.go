package encoder

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Fragment is a slice of the encoded byte stream. Sequence numbers are
// strictly consecutive from zero; a pause discards bytes instead of leaving
// a numbering gap.
type Fragment struct {
	Seq     int
	Payload []byte
}

// Result summarizes a finished session.
type Result struct {
	Fragments  int
	TotalBytes int64
	MimeType   string
}

// Session consumes an encoded media stream and emits timed fragments.
// A session runs once; Stop is idempotent and flushes whatever is pending
// as the final fragment.
type Session struct {
	src      io.ReadCloser
	mimeType string
	interval time.Duration
	logger   *zap.Logger

	fragments chan Fragment

	paused atomic.Bool

	stopOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	result Result
}

func NewSession(src io.ReadCloser, mimeType string, interval time.Duration, logger *zap.Logger) *Session {
	if interval <= 0 {
		interval = time.Second
	}
	return &Session{
		src:       src,
		mimeType:  mimeType,
		interval:  interval,
		logger:    logger,
		fragments: make(chan Fragment, 8),
		done:      make(chan struct{}),
	}
}

// Fragments delivers slices in sequence order. The channel closes after the
// final fragment has been flushed.
func (s *Session) Fragments() <-chan Fragment {
	return s.fragments
}

// Start launches the read loop. Call once.
func (s *Session) Start() {
	go s.readLoop()
}

// Pause discards stream bytes until Resume. Sequence numbering does not
// advance while paused.
func (s *Session) Pause() {
	s.paused.Store(true)
}

func (s *Session) Resume() {
	s.paused.Store(false)
}

// Stop waits for the stream to drain, forcing the source closed if EOF does
// not arrive within the grace window, then returns the session totals. Safe
// to call more than once.
func (s *Session) Stop() Result {
	s.stopOnce.Do(func() {
		select {
		case <-s.done:
		case <-time.After(3 * time.Second):
			s.src.Close()
		}
	})
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.fragments)

	var (
		pending    []byte
		seq        int
		totalBytes int64
		lastCut    = time.Now()
		buf        = make([]byte, 32*1024)
	)

	emit := func() {
		if len(pending) == 0 {
			return
		}
		payload := make([]byte, len(pending))
		copy(payload, pending)
		s.fragments <- Fragment{Seq: seq, Payload: payload}
		seq++
		totalBytes += int64(len(payload))
		pending = pending[:0]
	}

	for {
		n, err := s.src.Read(buf)
		if n > 0 {
			if s.paused.Load() {
				// Dropped on the floor; the recording resumes seamlessly.
			} else {
				pending = append(pending, buf[:n]...)
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("encoder stream ended", zap.Error(err))
			}
			break
		}
		if time.Since(lastCut) >= s.interval {
			emit()
			lastCut = time.Now()
		}
	}

	emit()

	s.mu.Lock()
	s.result = Result{Fragments: seq, TotalBytes: totalBytes, MimeType: s.mimeType}
	s.mu.Unlock()
}
