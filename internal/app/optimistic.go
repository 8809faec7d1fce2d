package app

import (
	"context"

	"github.com/dkeye/liveclass/internal/domain"
)

// Stamp captures the room generation and member epoch an external call was
// validated against.
type Stamp struct {
	generation uint64
	user       domain.UserID
	epoch      uint64
}

// Stamp must be called with lr locked.
func (lr *LiveRoom) Stamp(uid domain.UserID) Stamp {
	s := Stamp{generation: lr.generation, user: uid}
	if m, ok := lr.members[uid]; ok {
		s.epoch = m.Epoch
	}
	return s
}

// Verify must be called with lr locked. It fails with ErrConflict when the
// room changed generation or the member left or rejoined since s was taken.
func (lr *LiveRoom) Verify(s Stamp) error {
	if lr.generation != s.generation || lr.Ending {
		return &domain.OpError{Kind: domain.ErrConflict, Op: "verify room generation"}
	}
	if s.user == "" {
		return nil
	}
	m, ok := lr.members[s.user]
	if !ok || m.Epoch != s.epoch || m.Leaving || m.Media == nil {
		return &domain.OpError{Kind: domain.ErrConflict, Op: "verify membership"}
	}
	return nil
}

// Step describes one validate, call out, re-validate and commit cycle.
type Step[T any] struct {
	// Validate runs under the room lock before the call.
	Validate func() error
	// Call runs without the lock.
	Call func(ctx context.Context) (T, error)
	// Commit runs under the lock once the stamp still holds.
	Commit func(v T) error
	// Abort runs under the lock whenever Call or Commit fails.
	Abort func()
	// Release runs without the lock when a successful Call could not be committed.
	Release func(v T)
}

// Optimistic runs step against lr on behalf of uid. An empty uid only pins the
// room generation.
func Optimistic[T any](ctx context.Context, lr *LiveRoom, uid domain.UserID, step Step[T]) (T, error) {
	var zero T

	lr.Lock()
	if step.Validate != nil {
		if err := step.Validate(); err != nil {
			lr.Unlock()
			return zero, err
		}
	}
	stamp := lr.Stamp(uid)
	lr.Unlock()

	v, err := step.Call(ctx)
	if err != nil {
		if step.Abort != nil {
			lr.Lock()
			step.Abort()
			lr.Unlock()
		}
		return zero, err
	}

	lr.Lock()
	err = lr.Verify(stamp)
	if err == nil && step.Commit != nil {
		err = step.Commit(v)
	}
	if err != nil && step.Abort != nil {
		step.Abort()
	}
	lr.Unlock()

	if err != nil {
		if step.Release != nil {
			step.Release(v)
		}
		return zero, err
	}
	return v, nil
}
