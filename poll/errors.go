package poll

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownServer     = errors.New("unknown server")
	ErrUnauthorized      = errors.New("not authorized")
	ErrSessionNotOpen    = errors.New("no open poll")
	ErrUnauthorizedVoter = errors.New("not allowed to vote")
	ErrPushInterrupted   = errors.New("stopped before the push reported back")
)

type RejectReason int

const (
	SessionNotOpen RejectReason = iota
	UnauthorizedVoter
)

// VoteRejected goes straight back to the voter. It is user feedback, not a
// system error, and never gets logged as one.
type VoteRejected struct {
	Reason RejectReason
	Server string
}

func (e *VoteRejected) Error() string {
	switch e.Reason {
	case UnauthorizedVoter:
		return fmt.Sprintf("vote rejected on %s: %v", e.Server, ErrUnauthorizedVoter)
	default:
		return fmt.Sprintf("vote rejected on %s: %v", e.Server, ErrSessionNotOpen)
	}
}

// Is lets callers match with errors.Is(err, ErrSessionNotOpen) and friends.
func (e *VoteRejected) Is(target error) bool {
	switch e.Reason {
	case SessionNotOpen:
		return target == ErrSessionNotOpen
	case UnauthorizedVoter:
		return target == ErrUnauthorizedVoter
	}
	return false
}

// PersistenceError is logged as a warning; the in-memory state stays
// authoritative until the next successful write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
