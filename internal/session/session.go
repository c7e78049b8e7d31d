package session

import "time"

// State is a session lifecycle state. Transitions are owned exclusively by
// the Controller.
type State string

const (
	StateIdle       State = "idle"
	StateCountdown  State = "countdown"
	StateRecording  State = "recording"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
	StateFinalizing State = "finalizing"
	StateFailed     State = "failed"
)

// Session is the unit of work for one recording attempt. Only the
// Controller mutates it; everything else receives copies.
type Session struct {
	ID        string
	Mode      string
	State     State
	StartedAt time.Time
	Elapsed   int

	// RemoteID is the backend row this session uploads against. Empty when
	// row creation failed or no backend is configured; progressive upload
	// is disabled in that case, the recording still runs.
	RemoteID string

	MimeType  string
	IngestKey string
}

// FinalizeResult is what stop reports, and re-reports on repeated calls.
type FinalizeResult struct {
	Elapsed           int
	ArtifactSizeBytes int64
}

// Snapshot is the queryable view of the controller.
type Snapshot struct {
	State     State  `json:"state"`
	Mode      string `json:"mode,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Elapsed   int    `json:"elapsedSeconds"`
	MimeType  string `json:"mimeType,omitempty"`
	IngestKey string `json:"ingestKey,omitempty"`
	LastError string `json:"lastError,omitempty"`
}
