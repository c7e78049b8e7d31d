package capture

import (
	"bytes"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// FFmpeg wraps the ffmpeg binary used for device capture and the encode
// stage of raw pipelines.
type FFmpeg struct {
	path string
}

func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path}
}

// CheckAvailable verifies ffmpeg is installed and runnable.
func (f *FFmpeg) CheckAvailable() error {
	cmd := exec.Command(f.path, "-version")
	output, err := cmd.Output()
	if err != nil {
		return errors.Wrap(err, "ffmpeg not found")
	}
	if !strings.Contains(string(output), "ffmpeg version") {
		return errors.New("ffmpeg not properly installed")
	}
	return nil
}

// SupportsEncoders reports whether every named encoder is available in this
// ffmpeg build. Used for mime/codec negotiation.
func (f *FFmpeg) SupportsEncoders(names ...string) bool {
	cmd := exec.Command(f.path, "-hide_banner", "-encoders")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	list := string(output)
	for _, name := range names {
		if !strings.Contains(list, " "+name+" ") && !strings.Contains(list, " "+name+"\n") {
			return false
		}
	}
	return true
}

// ExtractPoster decodes the artifact's first frame as a JPEG poster image.
func (f *FFmpeg) ExtractPoster(artifact []byte) ([]byte, error) {
	cmd := exec.Command(f.path, "-hide_banner", "-loglevel", "error",
		"-i", "pipe:0", "-frames:v", "1", "-f", "image2", "-c:v", "mjpeg", "pipe:1")
	cmd.Stdin = bytes.NewReader(artifact)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrap(err, "extract poster frame")
	}
	if out.Len() == 0 {
		return nil, errors.New("empty poster frame")
	}
	return out.Bytes(), nil
}

// Device is one enumerable camera or microphone.
type Device struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
}

// ListDevices enumerates cameras and microphones via the platform capture
// backend. Best-effort: an unparseable listing yields empty slices, not an
// error, so the setup panel can still offer default devices.
func (f *FFmpeg) ListDevices() (cameras, mics []Device) {
	args := []string{"-hide_banner", "-list_devices", "true", "-f", deviceBackend(), "-i", "dummy"}
	cmd := exec.Command(f.path, args...)
	// Device listings go to stderr with a nonzero exit.
	output, _ := cmd.CombinedOutput()

	section := ""
	for _, line := range strings.Split(string(output), "\n") {
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "video devices") || strings.Contains(lower, "video input"):
			section = "video"
			continue
		case strings.Contains(lower, "audio devices") || strings.Contains(lower, "audio input"):
			section = "audio"
			continue
		}
		name := parseDeviceLine(line)
		if name == "" {
			continue
		}
		d := Device{DeviceID: name, Label: name}
		switch section {
		case "video":
			cameras = append(cameras, d)
		case "audio":
			mics = append(mics, d)
		}
	}
	return cameras, mics
}

func parseDeviceLine(line string) string {
	start := strings.Index(line, "\"")
	if start < 0 {
		return ""
	}
	end := strings.Index(line[start+1:], "\"")
	if end < 0 {
		return ""
	}
	return line[start+1 : start+1+end]
}

func deviceBackend() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "v4l2"
	}
}

func defaultCameraDevice() string {
	switch runtime.GOOS {
	case "darwin":
		return "0"
	case "windows":
		return "video=Integrated Camera"
	default:
		return "/dev/video0"
	}
}

func screenBackend() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "gdigrab"
	default:
		return "x11grab"
	}
}

func screenInput() string {
	switch runtime.GOOS {
	case "darwin":
		return "1:none"
	case "windows":
		return "desktop"
	default:
		return ":0.0"
	}
}

// screenGrabArgs captures the display as raw RGBA frames on stdout.
func screenGrabArgs(width, height, frameRate int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", screenBackend(),
		"-framerate", fmt.Sprintf("%d", frameRate),
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-i", screenInput(),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"pipe:1",
	}
}

// cameraGrabArgs captures a camera as raw RGBA frames on stdout.
func cameraGrabArgs(deviceID string, width, height, frameRate int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", deviceBackend(),
		"-framerate", fmt.Sprintf("%d", frameRate),
		"-i", deviceID,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"pipe:1",
	}
}

// encodeArgs builds the encode stage: raw RGBA frames on stdin, optional
// microphone and system-audio inputs mixed through an amix filtergraph, and
// the negotiated container stream on stdout.
func encodeArgs(mimeType string, width, height, frameRate int, micID string, systemAudio bool) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", fmt.Sprintf("%d", frameRate),
		"-i", "pipe:0",
	}

	audioInputs := 0
	if systemAudio {
		args = append(args, "-f", systemAudioBackend(), "-i", systemAudioInput())
		audioInputs++
	}
	if micID != "" {
		args = append(args, "-f", deviceBackend(), "-i", micID)
		audioInputs++
	}

	switch audioInputs {
	case 2:
		args = append(args,
			"-filter_complex", "[1:a][2:a]amix=inputs=2:duration=first[aout]",
			"-map", "0:v", "-map", "[aout]")
	case 1:
		args = append(args, "-map", "0:v", "-map", "1:a")
	default:
		args = append(args, "-map", "0:v")
	}

	args = append(args, codecArgs(mimeType, audioInputs > 0)...)
	args = append(args, "pipe:1")
	return args
}

// encodersFor lists the encoder names a mime type needs from the local
// ffmpeg build.
func encodersFor(mimeType string) []string {
	var names []string
	switch {
	case strings.Contains(mimeType, "vp9"):
		names = append(names, "libvpx-vp9")
	case strings.Contains(mimeType, "vp8"):
		names = append(names, "libvpx")
	default:
		names = append(names, "libvpx")
	}
	if strings.Contains(mimeType, "opus") {
		names = append(names, "libopus")
	}
	return names
}

// codecArgs maps the negotiated mime type onto encoder and container flags.
// The choice is fixed for the whole session once selected.
func codecArgs(mimeType string, withAudio bool) []string {
	var args []string
	switch {
	case strings.Contains(mimeType, "vp9"):
		args = append(args, "-c:v", "libvpx-vp9", "-b:v", "2500k", "-deadline", "realtime")
	case strings.Contains(mimeType, "vp8"):
		args = append(args, "-c:v", "libvpx", "-b:v", "2500k", "-deadline", "realtime")
	default:
		args = append(args, "-c:v", "libvpx", "-b:v", "2500k", "-deadline", "realtime")
	}
	if withAudio {
		args = append(args, "-c:a", "libopus")
	}
	args = append(args, "-f", "webm")
	return args
}

func systemAudioBackend() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	default:
		return "pulse"
	}
}

func systemAudioInput() string {
	switch runtime.GOOS {
	case "darwin":
		return "none:0"
	default:
		return "default.monitor"
	}
}
