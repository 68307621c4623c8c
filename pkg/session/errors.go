package session

import "errors"

// Domain-level error values returned by session operations.
var (
	ErrSessionFinalized     = errors.New("session already finalized")
	ErrInvalidTransition    = errors.New("invalid session transition")
	ErrSessionNotFound      = errors.New("session not found")
	ErrStaleSession         = errors.New("session changed concurrently")
	ErrSessionExists        = errors.New("session already exists")
	ErrTranscriptClosed     = errors.New("transcript not open")
	ErrInvalidSessionID     = errors.New("invalid session id")
	ErrInvalidKind          = errors.New("invalid session kind")
	ErrInvalidStatus        = errors.New("invalid session status")
	ErrInvalidParty         = errors.New("invalid party")
	ErrInvalidBodyKind      = errors.New("invalid message body kind")
	ErrInvalidRate          = errors.New("invalid rate")
	ErrInvalidAvailability  = errors.New("invalid provider availability")
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrInvalidStoreArgument = errors.New("invalid store argument")
)
