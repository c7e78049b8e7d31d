package bus

// Event types published on TopicSessionEvents. Consumers must tolerate
// duplicates and missed deliveries; every payload is a full snapshot.
const (
	EventTimerSync        = "timerSync"
	EventStateChanged     = "stateChanged"
	EventUploadProgress   = "uploadProgress"
	EventRecordingStopped = "recordingStopped"
	EventUploadFailed     = "uploadFailed"
	EventUploadComplete   = "uploadComplete"
)

type Event struct {
	Type string `json:"type"`

	Elapsed           int    `json:"elapsed,omitempty"`
	State             string `json:"state,omitempty"`
	Percent           int    `json:"percent,omitempty"`
	ArtifactSizeBytes int64  `json:"artifactSizeBytes,omitempty"`
	Recoverable       bool   `json:"recoverable,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RemoteID          string `json:"remoteId,omitempty"`
}

func TimerSync(elapsed int) Event {
	return Event{Type: EventTimerSync, Elapsed: elapsed}
}

func StateChanged(state string) Event {
	return Event{Type: EventStateChanged, State: state}
}

func UploadProgress(percent int) Event {
	return Event{Type: EventUploadProgress, Percent: percent}
}

func RecordingStopped(size int64, recoverable bool) Event {
	return Event{Type: EventRecordingStopped, ArtifactSizeBytes: size, Recoverable: recoverable}
}

func UploadFailed(reason string) Event {
	return Event{Type: EventUploadFailed, Reason: reason}
}

func UploadComplete(remoteID string) Event {
	return Event{Type: EventUploadComplete, RemoteID: remoteID}
}
