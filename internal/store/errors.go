package store

import "errors"

// ErrNotFound and ErrAlreadyEnded are the two sentinel conditions the
// Session Manager needs to distinguish from a generic store failure when
// ending a session.
var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadyEnded = errors.New("already ended")
)
