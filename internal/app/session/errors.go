package session

import "github.com/cockroachdb/errors"

// Error classes. Concrete errors are marked with one of these so callers can
// tell them apart with errors.Is; the user-facing text travels as a hint.
var (
	ErrUserInput  = errors.New("user input error")
	ErrResolution = errors.New("resolution error")
	ErrConnection = errors.New("connection error")
	ErrStream     = errors.New("stream error")
)

var (
	ErrNoSession = errors.New("no active session")
	ErrClosed    = errors.New("session manager is closed")
)

func markWithHint(err, class error, hint string) error {
	err = errors.Mark(err, class)
	if hint != "" {
		err = errors.WithHint(err, hint)
	}
	return err
}
