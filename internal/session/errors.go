package session

import "errors"

var (
	// ErrSessionNotFound covers unknown, ended and expired sessions. Callers
	// should start a new session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy means the per-session lock was not acquired in time.
	// The operation may be retried.
	ErrSessionBusy   = errors.New("session busy")
	ErrAudioNotFound = errors.New("audio artifact not found for session")
	ErrInvalidPatch  = errors.New("invalid session update")
)
