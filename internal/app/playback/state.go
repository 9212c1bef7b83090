// Package playback provides the per-guild queue and the state machine that
// drives streaming from it.
package playback

// State represents the playback state of one guild session.
type State int

const (
	StateIdle       State = iota // No session (initial and final state)
	StateConnecting              // Voice join in flight
	StateStreaming               // Head of the queue is streaming
	StateDraining                // Queue emptied, releasing the connection
	StateFailed                  // Session setup failed (terminal)
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
