// Package resolver turns a free-text query or URL into a playable track.
package resolver

import (
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/patchouli/internal/domain/track"
)

var (
	ErrNotFound   = errors.New("no results for the given query")
	ErrUnplayable = errors.New("no playable video found")
)

// Searcher looks up tracks by free text, best match first.
type Searcher interface {
	Search(ctx context.Context, query string) ([]track.Track, error)
}

// Source loads metadata and stream URLs for the URLs it handles.
type Source interface {
	Handles(uri string) bool
	Fetch(ctx context.Context, uri string) (track.Track, error)
	MediaURL(ctx context.Context, uri string) (string, error)
}

// LinkTranslator rewrites links of a catalogue without playable media
// (Spotify) into a search query.
type LinkTranslator interface {
	Handles(link string) bool
	TrackQuery(ctx context.Context, link string) (string, error)
}

// Resolver resolves queries against the configured sources.
type Resolver struct {
	searchers  []Searcher
	sources    []Source
	translator LinkTranslator
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSearcher adds a search backend. Backends are tried in order until one
// returns a result.
func WithSearcher(s Searcher) Option {
	return func(r *Resolver) { r.searchers = append(r.searchers, s) }
}

// WithSource adds a metadata source.
func WithSource(s Source) Option {
	return func(r *Resolver) { r.sources = append(r.sources, s) }
}

// WithLinkTranslator sets the translator for catalogue links.
func WithLinkTranslator(t LinkTranslator) Option {
	return func(r *Resolver) { r.translator = t }
}

// New creates a resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the track for query. A syntactically valid URL is used
// directly as the source; anything else is searched and the top result wins.
func (r *Resolver) Resolve(ctx context.Context, query string) (track.Track, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return track.Track{}, ErrNotFound
	}

	if r.translator != nil && r.translator.Handles(query) {
		translated, err := r.translator.TrackQuery(ctx, query)
		if err != nil {
			zlog.Warn().Err(err).Msgf("resolver: failed to translate link: %s", query)
			return track.Track{}, errors.Mark(errors.Wrap(err, "failed to look up link"), ErrNotFound)
		}
		zlog.Debug().Msgf("resolver: translated link: link=%s query=%s", query, translated)
		return r.search(ctx, translated)
	}

	if IsURL(query) {
		return r.FetchMetadata(ctx, query)
	}

	return r.search(ctx, query)
}

// FetchMetadata loads the track for a URL. Every source that handles the URL
// is tried in order until one succeeds.
func (r *Resolver) FetchMetadata(ctx context.Context, uri string) (track.Track, error) {
	var lastErr error
	for _, src := range r.sourcesFor(uri) {
		t, err := src.Fetch(ctx, uri)
		if err == nil && !t.IsZero() {
			return t, nil
		}
		if ctx.Err() != nil {
			return track.Track{}, ctx.Err()
		}
		if err == nil {
			err = errors.Newf("empty source for %s", uri)
		}
		zlog.Warn().Err(err).Msgf("resolver: failed to fetch metadata: %s", uri)
		lastErr = err
	}

	if lastErr != nil {
		return track.Track{}, errors.Mark(lastErr, ErrUnplayable)
	}
	return track.Track{}, errors.Wrapf(ErrUnplayable, "no source handles %s", uri)
}

// MediaURL returns a URL the audio decoder can read for sourceURI.
func (r *Resolver) MediaURL(ctx context.Context, sourceURI string) (string, error) {
	var lastErr error
	for _, src := range r.sourcesFor(sourceURI) {
		link, err := src.MediaURL(ctx, sourceURI)
		if err == nil {
			return link, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		zlog.Warn().Err(err).Msgf("resolver: failed to get media url: %s", sourceURI)
		lastErr = err
	}

	if lastErr != nil {
		return "", errors.Mark(lastErr, ErrUnplayable)
	}
	return "", errors.Wrapf(ErrUnplayable, "no source handles %s", sourceURI)
}

func (r *Resolver) search(ctx context.Context, query string) (track.Track, error) {
	var lastErr error
	for _, s := range r.searchers {
		results, err := s.Search(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return track.Track{}, ctx.Err()
			}
			zlog.Warn().Err(err).Msgf("resolver: search failed: query=%s", query)
			lastErr = err
			continue
		}
		if len(results) == 0 {
			continue
		}

		top := results[0]
		zlog.Debug().Msgf("resolver: top result: query=%s track=%s", query, top)
		return r.FetchMetadata(ctx, top.SourceURI)
	}

	if lastErr != nil {
		return track.Track{}, errors.Mark(errors.Wrap(lastErr, "search failed"), ErrNotFound)
	}
	return track.Track{}, ErrNotFound
}

func (r *Resolver) sourcesFor(uri string) []Source {
	var result []Source
	for _, s := range r.sources {
		if s.Handles(uri) {
			result = append(result, s)
		}
	}
	return result
}

// IsURL reports whether s is an absolute http(s) URL.
func IsURL(s string) bool {
	if strings.ContainsAny(s, " \t\n") {
		return false
	}
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
