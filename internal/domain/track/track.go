// Package track provides the Track domain entity.
package track

import (
	"fmt"
	"time"
)

// Track represents a resolved, playable unit of audio.
// A Track is a value: it is never mutated once the resolver has built it.
type Track struct {
	Title     string        // Display title
	SourceURI string        // Locator handed to the audio stream
	Duration  time.Duration // Zero when the source does not report one
}

// String returns a short description used in log lines.
func (t Track) String() string {
	if t.Duration > 0 {
		return fmt.Sprintf("%s (%s) [%s]", t.Title, t.SourceURI, t.Duration.Round(time.Second))
	}
	return fmt.Sprintf("%s (%s)", t.Title, t.SourceURI)
}

// IsZero reports whether the track carries no source.
func (t Track) IsZero() bool {
	return t.SourceURI == ""
}

// Requester represents the chat user who asked for the track.
type Requester struct {
	ID   string // Chat platform user ID
	Name string // Display name
}

// QueuedTrack represents a track in a guild's playback queue.
type QueuedTrack struct {
	ID        string    // Queue entry ID, unique per enqueue
	Track     Track     // Resolved track
	Requester Requester // Who asked for it
	AddedAt   time.Time // Time when added to queue
}
