package capture

import (
	"bytes"
	"io"
	"time"

	"github.com/pkg/errors"
	flvtag "github.com/yutopp/go-flv/tag"
	"go.uber.org/zap"

	"github.com/ilaydaydemir/screencast/internal/encoder"
)

// startupGrace is how long a grab process gets to prove it can read its
// source before acquisition is declared failed.
const startupGrace = 500 * time.Millisecond

// Params are the fixed capture dimensions for a session.
type Params struct {
	Width     int
	Height    int
	FrameRate int
}

// Pipeline owns every process and stream between a capture source and the
// encoded byte stream. It is acquired in two phases: Acquire grabs the
// sources so permission and availability errors surface before the
// countdown, Begin starts the encode stage so no pre-countdown content
// lands in the recording.
type Pipeline struct {
	mode      string
	mimeType  string
	ingestKey string
	params    Params
	micID     string

	ffmpegPath string
	logger     *zap.Logger

	// raw frame path
	screen *processSource
	camera *processSource
	comp   *Compositor
	stage  *encodeStage

	// tab path
	ingest *Ingest
	feed   *TabFeed
	mux    *encoder.FLVMuxer

	preview PreviewSink

	stream io.ReadCloser
}

// Acquire opens the capture sources for spec and negotiates the container
// type. A missing camera degrades screen modes to screen-only; a missing
// primary source fails the acquisition.
func Acquire(f *FFmpeg, ingest *Ingest, spec StartSpec, params Params, logger *zap.Logger) (*Pipeline, error) {
	p := &Pipeline{
		mode:       spec.Mode,
		params:     params,
		micID:      spec.MicID,
		ffmpegPath: f.path,
		ingest:     ingest,
		logger:     logger,
	}

	switch spec.Mode {
	case ModeTab:
		p.feed = ingest.RegisterFeed()
		p.ingestKey = p.feed.Key()
		p.mimeType = encoder.MimeFLV
		return p, nil
	case ModeFullScreen, ModeWindow:
		if err := p.acquireScreen(spec); err != nil {
			p.Shutdown()
			return nil, err
		}
	case ModeCameraOnly:
		if err := p.acquireCamera(spec); err != nil {
			p.Shutdown()
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown capture mode %q", spec.Mode)
	}

	p.mimeType = encoder.SelectMimeType(func(mimeType string) bool {
		return f.SupportsEncoders(encodersFor(mimeType)...)
	})
	return p, nil
}

func (p *Pipeline) acquireScreen(spec StartSpec) error {
	screen, err := newProcessSource(p.ffmpegPath,
		screenGrabArgs(p.params.Width, p.params.Height, p.params.FrameRate),
		p.params.Width, p.params.Height, p.params.FrameRate, p.logger)
	if err != nil {
		return errors.Wrap(ErrCaptureSourceUnavailable, err.Error())
	}
	if err := screen.earlyExitErr(startupGrace); err != nil {
		return err
	}
	p.screen = screen

	if spec.CameraID != "" {
		camera, err := newProcessSource(p.ffmpegPath,
			cameraGrabArgs(spec.CameraID, overlaySize, overlaySize, p.params.FrameRate),
			overlaySize, overlaySize, p.params.FrameRate, p.logger)
		if err == nil {
			err = camera.earlyExitErr(startupGrace)
		}
		if err != nil {
			// Camera loss never blocks a screen recording.
			p.logger.Warn("camera unavailable, continuing screen-only",
				zap.String("camera", spec.CameraID), zap.Error(err))
		} else {
			p.camera = camera
		}
	}

	p.comp = NewCompositor(p.screen, p.camera, p.params.Width, p.params.Height, p.params.FrameRate)
	return nil
}

func (p *Pipeline) acquireCamera(spec StartSpec) error {
	deviceID := spec.CameraID
	if deviceID == "" {
		deviceID = defaultCameraDevice()
	}
	camera, err := newProcessSource(p.ffmpegPath,
		cameraGrabArgs(deviceID, p.params.Width, p.params.Height, p.params.FrameRate),
		p.params.Width, p.params.Height, p.params.FrameRate, p.logger)
	if err != nil {
		return errors.Wrap(ErrCaptureSourceUnavailable, err.Error())
	}
	if err := camera.earlyExitErr(startupGrace); err != nil {
		return err
	}
	p.camera = camera
	return nil
}

// Begin starts the encode stage and exposes the encoded stream. For tab
// mode the stream carries whatever the publisher sends from this point on.
func (p *Pipeline) Begin() (io.ReadCloser, error) {
	switch p.mode {
	case ModeTab:
		mux, err := encoder.NewFLVMuxer()
		if err != nil {
			return nil, err
		}
		p.mux = mux
		go p.pumpTags()
		p.stream = mux.Reader()
	case ModeFullScreen, ModeWindow:
		stage, err := newEncodeStage(p.ffmpegPath, p.comp, p.mimeType,
			p.params.Width, p.params.Height, p.params.FrameRate,
			p.micID, true, p.logger)
		if err != nil {
			return nil, errors.Wrap(err, "begin encode")
		}
		p.stage = stage
		p.stream = stage.Reader()
	case ModeCameraOnly:
		stage, err := newEncodeStage(p.ffmpegPath, p.camera, p.mimeType,
			p.params.Width, p.params.Height, p.params.FrameRate,
			p.micID, false, p.logger)
		if err != nil {
			return nil, errors.Wrap(err, "begin encode")
		}
		p.stage = stage
		p.stream = stage.Reader()
	}
	return p.stream, nil
}

func (p *Pipeline) pumpTags() {
	sampleDur := time.Second / time.Duration(p.params.FrameRate)
	for {
		select {
		case tag := <-p.feed.tags:
			p.tapPreview(tag, sampleDur)
			if err := p.mux.WriteTag(tag); err != nil {
				return
			}
		case <-p.feed.closed:
			p.mux.Close()
			return
		}
	}
}

// tapPreview copies a tag's payload to the preview fanout. The copy happens
// before the muxer consumes the tag's data reader.
func (p *Pipeline) tapPreview(tag *flvtag.FlvTag, duration time.Duration) {
	if p.preview == nil {
		return
	}
	switch d := tag.Data.(type) {
	case *flvtag.VideoData:
		if buf, ok := d.Data.(*bytes.Buffer); ok {
			p.preview.WriteVideoSample(append([]byte(nil), buf.Bytes()...), duration)
		}
	case *flvtag.AudioData:
		if buf, ok := d.Data.(*bytes.Buffer); ok {
			p.preview.WriteAudioSample(append([]byte(nil), buf.Bytes()...), duration)
		}
	}
}

// MimeType is the container type negotiated at acquisition.
func (p *Pipeline) MimeType() string {
	return p.mimeType
}

// IngestKey is the one-time stream key for tab mode, empty otherwise.
func (p *Pipeline) IngestKey() string {
	return p.ingestKey
}

// Shutdown releases every process and feed the pipeline holds. The encoded
// stream stays readable until the flushed bytes run out.
func (p *Pipeline) Shutdown() {
	if p.stage != nil {
		p.stage.Shutdown()
	} else if p.comp != nil {
		p.comp.Close()
	} else {
		if p.screen != nil {
			p.screen.Close()
		}
		if p.camera != nil {
			p.camera.Close()
		}
	}
	if p.feed != nil {
		p.ingest.ReleaseFeed(p.feed.Key())
	}
}
