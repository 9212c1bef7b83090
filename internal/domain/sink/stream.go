package sink

import (
	"context"
	"time"

	"github.com/osa030/patchouli/internal/domain/track"
)

// StreamOptions controls how a track is opened.
type StreamOptions struct {
	StartOffset time.Duration // Seek position; zero plays from the start
	Gain        float64       // Linear gain applied to every sample
}

// StreamResult is delivered exactly once when a stream ends.
// Err is nil for natural completion and for Stop.
type StreamResult struct {
	Err     error
	Stopped bool // Ended by Stop or context cancellation
	Frames  int  // Opus frames written
}

// Dispatcher is the live handle of an in-progress stream.
type Dispatcher interface {
	// SetGain changes the gain of frames not yet encoded.
	SetGain(gain float64)
	// Stop ends the stream early. It is safe to call more than once.
	Stop()
	// Done yields the result once the stream has ended.
	Done() <-chan StreamResult
}

// Streamer opens an audio stream for a track and writes it to w.
type Streamer interface {
	Open(ctx context.Context, t track.Track, opts StreamOptions, w FrameWriter) (Dispatcher, error)
}
