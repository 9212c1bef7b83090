package playback

import "github.com/osa030/patchouli/internal/domain/track"

// EventType represents a playback event type.
type EventType int

const (
	EventTrackStarted  EventType = iota // Track began streaming
	EventTrackEnded                     // Track finished, skipped or stopped
	EventTrackFailed                    // Track could not be streamed; queue advances
	EventSessionEnded                   // Queue drained and connection released
	EventSessionFailed                  // Voice join failed
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventTrackStarted:
		return "track_started"
	case EventTrackEnded:
		return "track_ended"
	case EventTrackFailed:
		return "track_failed"
	case EventSessionEnded:
		return "session_ended"
	case EventSessionFailed:
		return "session_failed"
	default:
		return "unknown"
	}
}

// Event represents a playback event.
type Event struct {
	Type    EventType
	GuildID string
	Track   *track.QueuedTrack // nil for session events
	State   State              // State after the event
	Err     error              // Set for failure events
}
