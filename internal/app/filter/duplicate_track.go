package filter

import (
	"context"
	"regexp"
	"strings"

	"github.com/osa030/patchouli/internal/domain/track"
)

// DuplicateTrackConfig represents the configuration for DuplicateTrackFilter.
type DuplicateTrackConfig struct {
	ExactOnly bool `yaml:"exact_only" mapstructure:"exact_only"`
}

// DuplicateTrackFilter checks for duplicate tracks in the queue.
// Detects:
// - Exact source matches
// - Re-uploads of the same song (normalized title match), unless exact_only is set
// Excludes:
// - Covers and remixes, whose normalized titles differ
type DuplicateTrackFilter struct {
	config DuplicateTrackConfig
}

// NewDuplicateTrackFilter creates a new duplicate track filter.
func NewDuplicateTrackFilter() *DuplicateTrackFilter {
	return &DuplicateTrackFilter{}
}

// Name returns the filter name.
func (f *DuplicateTrackFilter) Name() string {
	return "duplicate_track_filter"
}

// Description returns the filter description.
func (f *DuplicateTrackFilter) Description() string {
	return "Rejects tracks already in the queue, including re-uploads of the same song"
}

// ReturnCodes returns possible return codes.
func (f *DuplicateTrackFilter) ReturnCodes() []string {
	return []string{"duplicate_track"}
}

// ValidateConfig validates the filter configuration.
func (f *DuplicateTrackFilter) ValidateConfig(settings map[string]any) error {
	var config DuplicateTrackConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	f.config = config
	return nil
}

// Check checks if the track is a duplicate.
func (f *DuplicateTrackFilter) Check(ctx context.Context, req TrackRequest, requested track.Track, q QueueView) Result {
	if q == nil {
		return Accept()
	}

	var requestedTitle string
	if !f.config.ExactOnly {
		requestedTitle = normalizeTitle(requested.Title)
	}

	for _, queued := range q.Tracks() {
		// 1. Exact source match
		if queued.Track.SourceURI == requested.SourceURI {
			return Reject("duplicate_track")
		}

		// 2. Same song under another upload
		if requestedTitle != "" && normalizeTitle(queued.Track.Title) == requestedTitle {
			return Reject("duplicate_track")
		}
	}

	return Accept()
}

var (
	// Upload decorations that do not change which song it is
	decorationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*[\(\[]\s*official\s+(music\s+)?(video|audio|lyric video|visualizer)\s*[\)\]]`), // "(Official Video)"
		regexp.MustCompile(`\s*[\(\[]\s*(lyrics?|audio|hd|hq|4k|mv)\s*[\)\]]`),                              // "[Lyrics]"
		regexp.MustCompile(`\s*[\(\[]\s*remaster(ed)?\s*\d{0,4}\s*[\)\]]`),                                 // "(Remastered 2023)"
		regexp.MustCompile(`\s*-?\s*\d{4}\s+remaster(ed)?`),                                                // "- 2011 Remaster"
		regexp.MustCompile(`\s*-\s*official\s+(music\s+)?(video|audio)`),                                   // "- Official Video"
	}
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// normalizeTitle strips upload decorations and normalizes case and spacing.
func normalizeTitle(title string) string {
	normalized := strings.ToLower(title)

	for _, pattern := range decorationPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}

	normalized = strings.TrimSpace(normalized)
	normalized = whitespacePattern.ReplaceAllString(normalized, " ")

	// Remove trailing dashes
	normalized = strings.TrimRight(normalized, " -")

	return normalized
}

func init() {
	Register("duplicate_track_filter", func() Filter {
		return NewDuplicateTrackFilter()
	})
}
