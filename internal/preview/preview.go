package preview

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Manager fans the live capture out to WebRTC viewers so the UI can show a
// low-latency preview while a recording runs. Viewers attach and detach
// freely; the recording never depends on them.
type Manager struct {
	api        *webrtc.API
	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
	logger     *zap.Logger

	mu    sync.RWMutex
	peers map[string]*webrtc.PeerConnection
}

func NewManager(logger *zap.Logger) (*Manager, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "preview")
	if err != nil {
		return nil, errors.Wrap(err, "create video track")
	}
	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "preview")
	if err != nil {
		return nil, errors.Wrap(err, "create audio track")
	}

	return &Manager{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(engine)),
		videoTrack: videoTrack,
		audioTrack: audioTrack,
		peers:      make(map[string]*webrtc.PeerConnection),
		logger:     logger,
	}, nil
}

// HandleOffer answers a viewer's SDP offer with the preview tracks attached.
func (m *Manager) HandleOffer(offer webrtc.SessionDescription, viewerID string) (*webrtc.SessionDescription, error) {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}

	if _, err := pc.AddTrack(m.videoTrack); err != nil {
		pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(m.audioTrack); err != nil {
		pc.Close()
		return nil, err
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, err
	}

	m.mu.Lock()
	if old, exists := m.peers[viewerID]; exists {
		old.Close()
	}
	m.peers[viewerID] = pc
	m.mu.Unlock()

	m.logger.Info("preview viewer attached", zap.String("viewer", viewerID))
	return &answer, nil
}

// HandleICECandidate adds a trickled candidate from a viewer.
func (m *Manager) HandleICECandidate(candidate webrtc.ICECandidateInit, viewerID string) error {
	m.mu.RLock()
	pc, exists := m.peers[viewerID]
	m.mu.RUnlock()
	if !exists {
		return errors.New("unknown preview viewer")
	}
	return pc.AddICECandidate(candidate)
}

// ClosePeerConnection detaches one viewer.
func (m *Manager) ClosePeerConnection(viewerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, exists := m.peers[viewerID]; exists {
		pc.Close()
		delete(m.peers, viewerID)
		m.logger.Info("preview viewer detached", zap.String("viewer", viewerID))
	}
}

// CloseAll detaches every viewer, used at shutdown and between sessions.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pc := range m.peers {
		pc.Close()
		delete(m.peers, id)
	}
}

// WriteVideoSample pushes one encoded video sample to every viewer. Errors
// are swallowed; preview delivery is best effort.
func (m *Manager) WriteVideoSample(data []byte, duration time.Duration) error {
	return m.videoTrack.WriteSample(media.Sample{Data: data, Duration: duration})
}

// WriteAudioSample pushes one encoded audio sample to every viewer.
func (m *Manager) WriteAudioSample(data []byte, duration time.Duration) error {
	return m.audioTrack.WriteSample(media.Sample{Data: data, Duration: duration})
}
