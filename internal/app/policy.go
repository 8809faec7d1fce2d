package app

import "github.com/dkeye/liveclass/internal/domain"

type Action int

const (
	ActionStart Action = iota
	ActionEnd
	ActionSetRecording
	ActionKick
	ActionScreenShare
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionEnd:
		return "end"
	case ActionSetRecording:
		return "set-recording"
	case ActionKick:
		return "kick"
	case ActionScreenShare:
		return "screen-share"
	}
	return "unknown"
}

// Policy is the single authorization point controllers consult before mutating.
type Policy interface {
	Authorize(room *domain.Room, caller domain.UserID, action Action) error
}

// RolePolicy grants lifecycle control to the room's instructor only.
type RolePolicy struct{}

func (RolePolicy) Authorize(room *domain.Room, caller domain.UserID, action Action) error {
	switch action {
	case ActionStart, ActionEnd, ActionSetRecording, ActionKick:
		if room.RoleOf(caller) != domain.RoleInstructor {
			return &domain.OpError{Kind: domain.ErrNotOwner, Op: action.String()}
		}
	case ActionScreenShare:
		if room.RoleOf(caller) != domain.RoleInstructor && !room.Config.ScreenShareAllowed {
			return domain.Invalid(action.String(), errScreenShareDisabled)
		}
	}
	return nil
}
