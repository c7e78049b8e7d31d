package capture

import (
	"io"
	"os/exec"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// encodeStage pipes raw RGBA frames from a video source through an ffmpeg
// encode process. Its Reader yields the containerized stream; closing the
// source drains the process and lets ffmpeg finalize the container before
// the reader sees EOF.
type encodeStage struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *io.PipeReader
	src    VideoSource
	logger *zap.Logger
}

func newEncodeStage(ffmpegPath string, src VideoSource, mimeType string, width, height, frameRate int, micID string, systemAudio bool, logger *zap.Logger) (*encodeStage, error) {
	args := encodeArgs(mimeType, width, height, frameRate, micID, systemAudio)
	cmd := exec.Command(ffmpegPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "encode stdin")
	}
	// The process writes into our own pipe so Wait cannot close the reader
	// out from under a consumer still draining the container tail.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, errors.Wrap(err, "start encoder process")
	}

	stage := &encodeStage{
		cmd:    cmd,
		stdin:  stdin,
		stdout: pr,
		src:    src,
		logger: logger,
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Debug("encoder process exited", zap.Error(err))
		}
		pw.Close()
	}()
	go stage.feedLoop(width, height)
	return stage, nil
}

// feedLoop writes each frame's pixel buffer to the encoder. When the source
// closes, stdin closes and ffmpeg flushes the container on its way out.
func (e *encodeStage) feedLoop(width, height int) {
	defer e.stdin.Close()
	frameLen := width * height * 4
	for frame := range e.src.Frames() {
		pix := frame.Image.Pix
		if len(pix) != frameLen {
			e.logger.Warn("frame size mismatch, skipping",
				zap.Int("got", len(pix)),
				zap.Int("want", frameLen))
			continue
		}
		if _, err := e.stdin.Write(pix); err != nil {
			e.logger.Warn("encoder stdin write failed", zap.Error(err))
			return
		}
	}
}

// Reader is the encoded container stream.
func (e *encodeStage) Reader() io.ReadCloser {
	return e.stdout
}

// Shutdown ends the feed. Closing the source closes stdin, ffmpeg flushes
// the container and exits, and the reader sees EOF after the last byte.
func (e *encodeStage) Shutdown() {
	e.src.Close()
}
