package capture

import (
	"image"
	"time"

	"github.com/pkg/errors"
)

// Recording modes. Screen and window modes composite an optional camera
// picture-in-picture; tab feeds arrive pre-composited over RTMP ingest;
// camera-only records the raw camera stream.
const (
	ModeFullScreen = "full-screen"
	ModeWindow     = "window"
	ModeTab        = "tab"
	ModeCameraOnly = "camera-only"
)

var (
	// ErrContextUnavailable means no capture context could be created or
	// made ready within the readiness timeout.
	ErrContextUnavailable = errors.New("capture context unavailable")

	// ErrPermissionDenied means a required device or display could not be
	// opened because access was refused.
	ErrPermissionDenied = errors.New("capture permission denied")

	// ErrCaptureSourceUnavailable means the primary capture stream could
	// not be acquired. A missing secondary camera never raises this; the
	// pipeline degrades and records without it.
	ErrCaptureSourceUnavailable = errors.New("capture source unavailable")
)

// ValidMode reports whether mode names a supported recording mode.
func ValidMode(mode string) bool {
	switch mode {
	case ModeFullScreen, ModeWindow, ModeTab, ModeCameraOnly:
		return true
	}
	return false
}

// VideoFrame is one raw RGBA frame flowing through the compositor.
type VideoFrame struct {
	Image *image.RGBA
	PTS   time.Duration
}

// VideoSource produces raw frames until closed. The channel closes when the
// source ends (user stopped sharing, device unplugged, process exit).
type VideoSource interface {
	Frames() <-chan VideoFrame
	Close() error
}

// StartSpec describes what the capture context should acquire.
type StartSpec struct {
	SessionID string
	Mode      string
	CameraID  string
	MicID     string
}

// StartInfo is returned once acquisition succeeds. For tab mode it carries
// the ingest key the browser helper must publish to.
type StartInfo struct {
	MimeType  string
	IngestKey string
}

// PreviewSink receives already-encoded samples for live viewer fanout.
// Delivery is best effort and never blocks the capture path.
type PreviewSink interface {
	WriteVideoSample(data []byte, duration time.Duration) error
	WriteAudioSample(data []byte, duration time.Duration) error
}
