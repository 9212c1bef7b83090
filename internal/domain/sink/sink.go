// Package sink defines the boundary to the chat platform: where replies go
// and where audio frames are sent.
package sink

import "context"

// TextSink receives free-text replies for the channel a command came from.
type TextSink interface {
	Send(msg string) error
}

// FrameWriter accepts encoded Opus frames for a live voice connection.
type FrameWriter interface {
	// WriteFrame blocks until the frame is accepted or ctx is done.
	WriteFrame(ctx context.Context, opus []byte) error
	// SetSpeaking toggles the speaking indicator.
	SetSpeaking(speaking bool) error
}

// Connection is a joined voice channel.
// It is owned by exactly one guild session at a time.
type Connection interface {
	FrameWriter
	ChannelID() string
	Leave(ctx context.Context) error
}

// VoiceSink joins voice channels.
type VoiceSink interface {
	Join(ctx context.Context, guildID, channelID string) (Connection, error)
}

// TextSinkFunc adapts a function to TextSink.
type TextSinkFunc func(msg string) error

// Send calls f(msg).
func (f TextSinkFunc) Send(msg string) error {
	return f(msg)
}
