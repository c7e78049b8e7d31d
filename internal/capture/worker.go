package capture

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ilaydaydemir/screencast/internal/encoder"
)

// FragmentStore persists fragments as they are cut so a crash mid-recording
// loses at most the fragment in flight.
type FragmentStore interface {
	Append(ctx context.Context, sessionID string, seq int, payload []byte, mimeType string) error
	SaveFinal(ctx context.Context, sessionID string, payload []byte, mimeType string) error
}

// FragmentSink receives fragments for progressive remote upload. Enqueue
// must not block the capture path.
type FragmentSink interface {
	Enqueue(sessionID string, seq int, payload []byte)
}

// StopResult is what a finished capture hands back to the controller.
type StopResult struct {
	ArtifactSize int64
	Fragments    int
	MimeType     string
}

// WorkerConfig carries the knobs a worker needs from the agent config.
type WorkerConfig struct {
	Params           Params
	FragmentInterval time.Duration
	KeepaliveTTL     time.Duration

	// Preview, when set, receives encoded samples from tab feeds for live
	// viewer fanout.
	Preview PreviewSink
}

type workerReq struct {
	kind  reqKind
	spec  StartSpec
	reply chan workerResp
}

type reqKind int

const (
	reqPing reqKind = iota
	reqPrepare
	reqBegin
	reqPause
	reqResume
	reqStop
	reqDiscard
	reqHeartbeat
)

type workerResp struct {
	info StartInfo
	stop StopResult
	err  error
}

// Worker is an isolated capture context. All capture state lives inside its
// event loop; the controller talks to it only through request messages, so
// a worker that dies mid-recording looks exactly like a reclaimed context
// and the controller recovers from the fragment store.
type Worker struct {
	cfg    WorkerConfig
	ffmpeg *FFmpeg
	ingest *Ingest
	store  FragmentStore
	sink   FragmentSink
	logger *zap.Logger

	reqs        chan workerReq
	killed      chan struct{}
	exited      chan struct{}
	onExit      func(reason string)
	onStreamEnd func(sessionID string)
}

func NewWorker(cfg WorkerConfig, ffmpeg *FFmpeg, ingest *Ingest, store FragmentStore, sink FragmentSink, onExit func(reason string), onStreamEnd func(sessionID string), logger *zap.Logger) *Worker {
	w := &Worker{
		cfg:         cfg,
		ffmpeg:      ffmpeg,
		ingest:      ingest,
		store:       store,
		sink:        sink,
		logger:      logger,
		reqs:        make(chan workerReq),
		killed:      make(chan struct{}),
		exited:      make(chan struct{}),
		onExit:      onExit,
		onStreamEnd: onStreamEnd,
	}
	go w.loop()
	return w
}

func (w *Worker) send(ctx context.Context, req workerReq) (workerResp, error) {
	req.reply = make(chan workerResp, 1)
	select {
	case w.reqs <- req:
	case <-w.exited:
		return workerResp{}, ErrContextUnavailable
	case <-ctx.Done():
		return workerResp{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-w.exited:
		return workerResp{}, ErrContextUnavailable
	case <-ctx.Done():
		return workerResp{}, ctx.Err()
	}
}

// Ping proves the event loop is alive and responsive.
func (w *Worker) Ping(ctx context.Context) error {
	_, err := w.send(ctx, workerReq{kind: reqPing})
	return err
}

// Prepare acquires the capture sources for spec. Permission and
// availability failures come back synchronously so the caller can reject
// the start before the countdown runs.
func (w *Worker) Prepare(ctx context.Context, spec StartSpec) (StartInfo, error) {
	resp, err := w.send(ctx, workerReq{kind: reqPrepare, spec: spec})
	return resp.info, err
}

// Begin starts the encoder. Content from before this call never reaches
// the recording.
func (w *Worker) Begin(ctx context.Context) error {
	_, err := w.send(ctx, workerReq{kind: reqBegin})
	return err
}

func (w *Worker) Pause(ctx context.Context) error {
	_, err := w.send(ctx, workerReq{kind: reqPause})
	return err
}

func (w *Worker) Resume(ctx context.Context) error {
	_, err := w.send(ctx, workerReq{kind: reqResume})
	return err
}

// Stop flushes the final fragment, persists the assembled artifact and
// returns the totals.
func (w *Worker) Stop(ctx context.Context) (StopResult, error) {
	resp, err := w.send(ctx, workerReq{kind: reqStop})
	return resp.stop, err
}

// Discard tears down the capture without persisting an artifact.
func (w *Worker) Discard(ctx context.Context) error {
	_, err := w.send(ctx, workerReq{kind: reqDiscard})
	return err
}

// Heartbeat resets the idle clock. The controller beats while any session
// or unfinished upload needs the worker alive.
func (w *Worker) Heartbeat(ctx context.Context) error {
	_, err := w.send(ctx, workerReq{kind: reqHeartbeat})
	return err
}

// Kill terminates the loop as if the host reclaimed the context.
func (w *Worker) Kill() {
	select {
	case <-w.killed:
	default:
		close(w.killed)
	}
}

// Exited closes when the loop is gone for any reason.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// workerState is everything the loop owns for one recording.
type workerState struct {
	sessionID string
	pipeline  *Pipeline
	session   *encoder.Session
	fanDone   chan struct{}
	artifact  *bytes.Buffer
	recording bool
}

func (w *Worker) loop() {
	defer close(w.exited)

	var st *workerState
	exitReason := "killed"

	idle := time.NewTimer(w.cfg.KeepaliveTTL)
	defer idle.Stop()

	defer func() {
		if st != nil {
			w.teardown(st)
		}
		if w.onExit != nil {
			w.onExit(exitReason)
		}
	}()

	for {
		select {
		case <-w.killed:
			return
		case <-idle.C:
			if st == nil {
				// Nothing to keep alive; model the host reclaiming us.
				exitReason = "idle"
				return
			}
			idle.Reset(w.cfg.KeepaliveTTL)
		case req := <-w.reqs:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(w.cfg.KeepaliveTTL)

			var resp workerResp
			switch req.kind {
			case reqPing, reqHeartbeat:
			case reqPrepare:
				st, resp = w.handlePrepare(st, req.spec)
			case reqBegin:
				resp = w.handleBegin(st)
			case reqPause:
				resp = w.handlePause(st, true)
			case reqResume:
				resp = w.handlePause(st, false)
			case reqStop:
				resp = w.handleStop(st)
				if resp.err == nil {
					st = nil
				}
			case reqDiscard:
				if st != nil {
					w.teardown(st)
					st = nil
				}
			}
			req.reply <- resp
		}
	}
}

func (w *Worker) handlePrepare(st *workerState, spec StartSpec) (*workerState, workerResp) {
	if st != nil {
		return st, workerResp{err: errors.New("capture already prepared")}
	}
	pipeline, err := Acquire(w.ffmpeg, w.ingest, spec, w.cfg.Params, w.logger)
	if err != nil {
		return nil, workerResp{err: err}
	}
	pipeline.preview = w.cfg.Preview
	next := &workerState{
		sessionID: spec.SessionID,
		pipeline:  pipeline,
		artifact:  &bytes.Buffer{},
	}
	info := StartInfo{MimeType: pipeline.MimeType(), IngestKey: pipeline.IngestKey()}
	w.logger.Info("capture prepared",
		zap.String("session", spec.SessionID),
		zap.String("mode", spec.Mode),
		zap.String("mime", info.MimeType))
	return next, workerResp{info: info}
}

func (w *Worker) handleBegin(st *workerState) workerResp {
	if st == nil {
		return workerResp{err: errors.New("no prepared capture")}
	}
	if st.recording {
		return workerResp{err: errors.New("capture already running")}
	}
	stream, err := st.pipeline.Begin()
	if err != nil {
		return workerResp{err: err}
	}
	st.session = encoder.NewSession(stream, st.pipeline.MimeType(), w.cfg.FragmentInterval, w.logger)
	st.fanDone = make(chan struct{})
	go w.fanOut(st)
	go w.watchStream(st)
	st.session.Start()
	st.recording = true
	return workerResp{}
}

// watchStream reports the encoded stream ending on its own, which happens
// when the user stops the share from the host chrome or a device unplugs.
// The controller turns that into an implicit stop.
func (w *Worker) watchStream(st *workerState) {
	select {
	case <-st.fanDone:
		if w.onStreamEnd != nil {
			w.onStreamEnd(st.sessionID)
		}
	case <-w.killed:
	}
}

// fanOut persists and forwards each fragment as it is cut. A store failure
// is logged, not fatal; the in-memory artifact still completes.
func (w *Worker) fanOut(st *workerState) {
	defer close(st.fanDone)
	mimeType := st.pipeline.MimeType()
	for frag := range st.session.Fragments() {
		st.artifact.Write(frag.Payload)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.store.Append(ctx, st.sessionID, frag.Seq, frag.Payload, mimeType); err != nil {
			w.logger.Warn("fragment persist failed",
				zap.String("session", st.sessionID),
				zap.Int("seq", frag.Seq),
				zap.Error(err))
		}
		cancel()
		if w.sink != nil {
			w.sink.Enqueue(st.sessionID, frag.Seq, frag.Payload)
		}
	}
}

func (w *Worker) handlePause(st *workerState, pause bool) workerResp {
	if st == nil || !st.recording {
		return workerResp{err: errors.New("no active capture")}
	}
	if pause {
		st.session.Pause()
	} else {
		st.session.Resume()
	}
	return workerResp{}
}

func (w *Worker) handleStop(st *workerState) workerResp {
	if st == nil {
		return workerResp{err: errors.New("no active capture")}
	}
	if !st.recording {
		w.teardown(st)
		return workerResp{}
	}

	st.pipeline.Shutdown()
	result := st.session.Stop()
	<-st.fanDone

	payload := st.artifact.Bytes()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.SaveFinal(ctx, st.sessionID, payload, result.MimeType); err != nil {
		w.logger.Warn("final artifact persist failed",
			zap.String("session", st.sessionID), zap.Error(err))
	}

	w.logger.Info("capture stopped",
		zap.String("session", st.sessionID),
		zap.Int("fragments", result.Fragments),
		zap.Int64("bytes", result.TotalBytes))

	return workerResp{stop: StopResult{
		ArtifactSize: int64(len(payload)),
		Fragments:    result.Fragments,
		MimeType:     result.MimeType,
	}}
}

func (w *Worker) teardown(st *workerState) {
	st.pipeline.Shutdown()
	if st.session != nil {
		st.session.Stop()
		<-st.fanDone
	}
}
