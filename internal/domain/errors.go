package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrNotOwner             = errors.New("caller is not the room owner")
	ErrInvalidTransition    = errors.New("invalid room status transition")
	ErrRoomNotFound         = errors.New("room not found")
	ErrRoomNotActive        = errors.New("room is not active")
	ErrRoomFull             = errors.New("room is full")
	ErrAlreadyJoined        = errors.New("user already joined the room")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrTransportNotFound    = errors.New("transport not found")
	ErrProducerNotFound     = errors.New("producer not found")
	ErrConsumerNotFound     = errors.New("consumer not found")
	ErrMediaEngine          = errors.New("media engine error")
	ErrConflict             = errors.New("concurrent modification, re-read and retry")
	ErrUnavailable          = errors.New("cache or store unavailable")
)

// OpError keeps the underlying cause of a failure while still matching its
// taxonomy sentinel through errors.Is.
type OpError struct {
	Kind error
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Is(target error) bool { return target == e.Kind }

func (e *OpError) Unwrap() error { return e.Err }

// MediaEngineFailure marks err as a retryable media engine failure.
func MediaEngineFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Kind: ErrMediaEngine, Op: op, Err: err}
}

// Unavailable marks err as an infrastructure failure of the cache or store tiers.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Kind: ErrUnavailable, Op: op, Err: err}
}

// Invalid wraps a validation failure as ErrInvalidConfiguration.
func Invalid(op string, err error) error {
	return &OpError{Kind: ErrInvalidConfiguration, Op: op, Err: err}
}
