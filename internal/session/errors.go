package session

import "github.com/pkg/errors"

var (
	// ErrAlreadyRecording rejects start while a session is active.
	ErrAlreadyRecording = errors.New("a recording is already in progress")

	// ErrInvalidState rejects an operation whose precondition state does
	// not hold, like pause while idle.
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrNoArtifact means neither a final artifact nor a reconstructable
	// fragment prefix exists for the session.
	ErrNoArtifact = errors.New("no recorded artifact available")
)
