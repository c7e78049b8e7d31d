package capture

import (
	"bytes"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// processSource runs an ffmpeg grab command and turns its rawvideo stdout
// into a stream of RGBA frames.
type processSource struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   *bytes.Buffer
	frames   chan VideoFrame
	closed   chan struct{}
	waitDone chan struct{}
	waitErr  error
	once     sync.Once
	logger   *zap.Logger
}

func newProcessSource(ffmpegPath string, args []string, width, height, frameRate int, logger *zap.Logger) (*processSource, error) {
	cmd := exec.Command(ffmpegPath, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open capture pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start capture process")
	}

	s := &processSource{
		cmd:      cmd,
		stdout:   stdout,
		stderr:   stderr,
		frames:   make(chan VideoFrame, 2),
		closed:   make(chan struct{}),
		waitDone: make(chan struct{}),
		logger:   logger,
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.waitDone)
	}()
	go s.readLoop(width, height, frameRate)
	return s, nil
}

// earlyExitErr reports a classified error if the capture process died within
// the grace window, which is how device refusals surface from ffmpeg.
func (s *processSource) earlyExitErr(grace time.Duration) error {
	select {
	case <-s.waitDone:
		err := s.waitErr
		if err == nil {
			err = errors.New("capture process exited")
		}
		return classifyCaptureErr(s.stderr.String(), err)
	case <-time.After(grace):
		return nil
	}
}

func (s *processSource) readLoop(width, height, frameRate int) {
	defer close(s.frames)

	frameSize := width * height * 4
	frameDur := time.Second / time.Duration(frameRate)
	var pts time.Duration

	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Debug("capture source ended", zap.Error(err))
			}
			return
		}
		img := &image.RGBA{
			Pix:    buf,
			Stride: width * 4,
			Rect:   image.Rect(0, 0, width, height),
		}
		select {
		case s.frames <- VideoFrame{Image: img, PTS: pts}:
		case <-s.closed:
			return
		default:
			// Consumer is behind; drop the frame rather than block capture.
		}
		pts += frameDur
	}
}

func (s *processSource) Frames() <-chan VideoFrame {
	return s.frames
}

func (s *processSource) Close() error {
	s.once.Do(func() {
		close(s.closed)
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.stdout.Close()
	})
	return nil
}

// classifyCaptureErr maps ffmpeg stderr output onto the error taxonomy so
// callers can tell a refused device apart from a missing one.
func classifyCaptureErr(stderr string, err error) error {
	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "operation not permitted") ||
		strings.Contains(lower, "access denied") {
		return errors.Wrap(ErrPermissionDenied, strings.TrimSpace(stderr))
	}
	if stderr != "" {
		return errors.Wrap(ErrCaptureSourceUnavailable, strings.TrimSpace(stderr))
	}
	return errors.Wrap(ErrCaptureSourceUnavailable, err.Error())
}
