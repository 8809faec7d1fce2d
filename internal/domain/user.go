// Package domain contains classroom entities and their state rules, no I/O.
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 64
	MaxRoomNameLen    = 200
)

var (
	ErrUserIDEmpty          = errors.New("user id empty")
	ErrUserIDTooLong        = errors.New("user id too long")
	ErrDisplayNameTooLong   = errors.New("display name too long")
	ErrRoomNameInvalid      = errors.New("room name must be 1-200 characters")
	ErrMaxParticipantsRange = errors.New("max participants must be positive")
)

type UserID string

// User is the caller identity as resolved by the transport layer.
type User struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"displayName"`
}

// NewUser validates the identity and falls back to the id when no display name is given.
func NewUser(id, displayName string) (*User, error) {
	if id == "" {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	displayName = strings.TrimSpace(displayName)
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	if displayName == "" {
		displayName = id
	}
	return &User{ID: UserID(id), DisplayName: displayName}, nil
}
