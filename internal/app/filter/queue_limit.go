package filter

import (
	"context"

	"github.com/osa030/patchouli/internal/domain/track"
)

// QueueLimitConfig represents the configuration for QueueLimitFilter.
type QueueLimitConfig struct {
	MaxTracks int `yaml:"max_tracks" mapstructure:"max_tracks" default:"50" validate:"gte=1"`
}

// QueueLimitFilter caps the length of a guild's queue.
type QueueLimitFilter struct {
	config QueueLimitConfig
}

func (f *QueueLimitFilter) Name() string {
	return "queue_limit_filter"
}

func (f *QueueLimitFilter) Description() string {
	return "Rejects requests once a guild's queue is full"
}

func (f *QueueLimitFilter) ReturnCodes() []string {
	return []string{"queue_full"}
}

func (f *QueueLimitFilter) ValidateConfig(settings map[string]any) error {
	var config QueueLimitConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	f.config = config
	return nil
}

func (f *QueueLimitFilter) Check(ctx context.Context, req TrackRequest, t track.Track, q QueueView) Result {
	if q == nil || f.config.MaxTracks <= 0 {
		return Accept()
	}
	if len(q.Tracks()) >= f.config.MaxTracks {
		return Reject("queue_full")
	}
	return Accept()
}

func init() {
	Register("queue_limit_filter", func() Filter {
		return &QueueLimitFilter{}
	})
}
