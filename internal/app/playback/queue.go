package playback

import (
	"math"

	"github.com/osa030/patchouli/internal/domain/sink"
	"github.com/osa030/patchouli/internal/domain/track"
)

// gainExponent maps the stored volume onto a perceptual gain curve.
const gainExponent = 1.660964

// DefaultVolume is the volume of a new session.
const DefaultVolume = 0.25

// Gain returns the linear sample gain for a volume in [0,1].
func Gain(volume float64) float64 {
	return math.Pow(ClampVolume(volume), gainExponent)
}

// ClampVolume clamps v to [0,1]. NaN maps to 0.
func ClampVolume(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// GuildQueue holds the pending tracks, volume and connection of one guild.
//
// GuildQueue is not safe for concurrent use; the owning Controller guards it.
// The head of tracks is the track currently streaming (or about to).
type GuildQueue struct {
	guildID        string
	voiceChannelID string
	textSink       sink.TextSink
	connection     sink.Connection

	tracks []track.QueuedTrack
	volume float64

	dispatcher sink.Dispatcher
}

// NewGuildQueue creates an empty queue for a guild.
func NewGuildQueue(guildID, voiceChannelID string, text sink.TextSink, volume float64) *GuildQueue {
	return &GuildQueue{
		guildID:        guildID,
		voiceChannelID: voiceChannelID,
		textSink:       text,
		tracks:         make([]track.QueuedTrack, 0),
		volume:         ClampVolume(volume),
	}
}

// GuildID returns the guild this queue belongs to.
func (q *GuildQueue) GuildID() string { return q.guildID }

// VoiceChannelID returns the voice channel the session joins.
func (q *GuildQueue) VoiceChannelID() string { return q.voiceChannelID }

// TextSink returns where replies for this session go.
func (q *GuildQueue) TextSink() sink.TextSink { return q.textSink }

// Connection returns the voice connection, or nil when not joined.
func (q *GuildQueue) Connection() sink.Connection { return q.connection }

// Enqueue appends a track. It never touches playback state.
func (q *GuildQueue) Enqueue(qt track.QueuedTrack) {
	q.tracks = append(q.tracks, qt)
}

// PopHead removes and returns the first track.
func (q *GuildQueue) PopHead() (track.QueuedTrack, bool) {
	if len(q.tracks) == 0 {
		return track.QueuedTrack{}, false
	}
	head := q.tracks[0]
	q.tracks[0] = track.QueuedTrack{}
	q.tracks = q.tracks[1:]
	return head, true
}

// Head returns the first track without removing it.
func (q *GuildQueue) Head() (track.QueuedTrack, bool) {
	if len(q.tracks) == 0 {
		return track.QueuedTrack{}, false
	}
	return q.tracks[0], true
}

// Clear empties the queue.
func (q *GuildQueue) Clear() {
	q.tracks = make([]track.QueuedTrack, 0)
}

// Len returns the number of tracks, including the head.
func (q *GuildQueue) Len() int {
	return len(q.tracks)
}

// Tracks returns a copy of the queued tracks.
func (q *GuildQueue) Tracks() []track.QueuedTrack {
	result := make([]track.QueuedTrack, len(q.tracks))
	copy(result, q.tracks)
	return result
}

// Volume returns the stored volume in [0,1].
func (q *GuildQueue) Volume() float64 {
	return q.volume
}

// SetVolume clamps and stores v. An active dispatcher picks up the new gain
// immediately; otherwise it applies from the next stream start.
func (q *GuildQueue) SetVolume(v float64) float64 {
	q.volume = ClampVolume(v)
	if q.dispatcher != nil {
		q.dispatcher.SetGain(Gain(q.volume))
	}
	return q.volume
}

// IsPlaying reports whether a dispatcher is streaming the head track.
func (q *GuildQueue) IsPlaying() bool {
	return q.dispatcher != nil && len(q.tracks) > 0
}

func (q *GuildQueue) setConnection(conn sink.Connection) {
	q.connection = conn
}

// setDispatcher attaches the live dispatcher and re-applies the stored gain,
// so a volume change made while the stream was opening is not lost.
func (q *GuildQueue) setDispatcher(d sink.Dispatcher) {
	q.dispatcher = d
	if d != nil {
		d.SetGain(Gain(q.volume))
	}
}
