package filter

import (
	"context"

	"github.com/osa030/patchouli/internal/domain/track"
)

// UserPendingConfig represents the configuration for UserPendingFilter.
type UserPendingConfig struct {
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending" default:"5" validate:"gte=1"`
}

// UserPendingFilter limits how many tracks one requester may have waiting
// in a guild's queue.
type UserPendingFilter struct {
	config UserPendingConfig
}

func (f *UserPendingFilter) Name() string {
	return "user_pending_filter"
}

func (f *UserPendingFilter) Description() string {
	return "Limits the number of queued tracks per requester"
}

func (f *UserPendingFilter) ReturnCodes() []string {
	return []string{"user_pending"}
}

func (f *UserPendingFilter) ValidateConfig(settings map[string]any) error {
	var config UserPendingConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	f.config = config
	return nil
}

func (f *UserPendingFilter) Check(ctx context.Context, req TrackRequest, t track.Track, q QueueView) Result {
	if q == nil || f.config.MaxPending <= 0 {
		return Accept()
	}

	pending := 0
	for _, qt := range q.Tracks() {
		if qt.Requester.ID == req.Requester.ID {
			pending++
		}
	}
	if pending >= f.config.MaxPending {
		return Reject("user_pending")
	}
	return Accept()
}

func init() {
	Register("user_pending_filter", func() Filter {
		return &UserPendingFilter{}
	})
}
