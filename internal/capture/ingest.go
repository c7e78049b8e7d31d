package capture

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"go.uber.org/zap"
)

// TabFeed receives the pre-composited tab stream a browser helper publishes
// over RTMP. Tags arrive already containerized; no local compositing runs
// for tab mode.
type TabFeed struct {
	key    string
	tags   chan *flvtag.FlvTag
	closed chan struct{}
	once   sync.Once
}

func (f *TabFeed) Key() string {
	return f.key
}

func (f *TabFeed) Tags() <-chan *flvtag.FlvTag {
	return f.tags
}

func (f *TabFeed) push(t *flvtag.FlvTag) {
	select {
	case f.tags <- t:
	case <-f.closed:
	default:
		// Encoder is behind; drop rather than stall the publisher.
	}
}

func (f *TabFeed) Close() error {
	f.once.Do(func() {
		close(f.closed)
	})
	return nil
}

// Ingest is the local RTMP listener capture helpers publish into. Feeds are
// registered with a one-time stream key before the helper connects;
// publishes with unknown keys are rejected.
type Ingest struct {
	port   string
	server *rtmp.Server
	logger *zap.Logger

	mu        sync.Mutex
	feeds     map[string]*TabFeed
	published map[string]bool
}

func NewIngest(port string, logger *zap.Logger) *Ingest {
	return &Ingest{
		port:      port,
		feeds:     make(map[string]*TabFeed),
		published: make(map[string]bool),
		logger:    logger,
	}
}

// Start listens and serves until the listener is closed. Blocking; run in a
// goroutine.
func (in *Ingest) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", in.port))
	if err != nil {
		return errors.Wrap(err, "ingest listen")
	}

	config := &rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			handler := &ingestHandler{ingest: in, conn: conn}
			return conn, &rtmp.ConnConfig{Handler: handler}
		},
	}
	in.server = rtmp.NewServer(config)

	in.logger.Info("ingest listening", zap.String("addr", listener.Addr().String()))
	return in.server.Serve(listener)
}

// RegisterFeed reserves a stream key and returns the feed the publisher's
// tags will land on.
func (in *Ingest) RegisterFeed() *TabFeed {
	feed := &TabFeed{
		key:    generateStreamKey(),
		tags:   make(chan *flvtag.FlvTag, 64),
		closed: make(chan struct{}),
	}
	in.mu.Lock()
	in.feeds[feed.key] = feed
	in.mu.Unlock()
	return feed
}

// Publishing reports whether a helper has connected and published on key.
func (in *Ingest) Publishing(key string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.published[key]
}

// ReleaseFeed tears down the feed and frees its key.
func (in *Ingest) ReleaseFeed(key string) {
	in.mu.Lock()
	feed := in.feeds[key]
	delete(in.feeds, key)
	delete(in.published, key)
	in.mu.Unlock()
	if feed != nil {
		feed.Close()
	}
}

func (in *Ingest) lookup(key string) *TabFeed {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.feeds[key]
}

func (in *Ingest) markPublished(key string) {
	in.mu.Lock()
	in.published[key] = true
	in.mu.Unlock()
}

type ingestHandler struct {
	rtmp.DefaultHandler
	ingest *Ingest
	conn   net.Conn
	feed   *TabFeed
}

func (h *ingestHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	key := cmd.PublishingName
	h.ingest.logger.Info("ingest publish request", zap.String("key", key))

	if key == "" {
		return errors.New("ingest: publishing name is required")
	}
	feed := h.ingest.lookup(key)
	if feed == nil {
		return errors.New("ingest: unknown stream key")
	}
	h.feed = feed
	h.ingest.markPublished(key)
	return nil
}

func (h *ingestHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	if h.feed == nil {
		return nil
	}
	var audio flvtag.AudioData
	if err := flvtag.DecodeAudioData(payload, &audio); err != nil {
		return err
	}
	data := new(bytes.Buffer)
	if _, err := io.Copy(data, audio.Data); err != nil {
		return err
	}
	audio.Data = data

	h.feed.push(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeAudio,
		Timestamp: timestamp,
		Data:      &audio,
	})
	return nil
}

func (h *ingestHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	if h.feed == nil {
		return nil
	}
	var video flvtag.VideoData
	if err := flvtag.DecodeVideoData(payload, &video); err != nil {
		return err
	}
	data := new(bytes.Buffer)
	if _, err := io.Copy(data, video.Data); err != nil {
		return err
	}
	video.Data = data

	h.feed.push(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeVideo,
		Timestamp: timestamp,
		Data:      &video,
	})
	return nil
}

func (h *ingestHandler) OnClose() {
	if h.feed != nil {
		h.ingest.logger.Info("ingest publisher disconnected", zap.String("key", h.feed.Key()))
		h.feed.Close()
	}
}

func generateStreamKey() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
