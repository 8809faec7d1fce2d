package app

import "errors"

var (
	errScreenShareDisabled = errors.New("screen sharing is disabled for this room")
)
