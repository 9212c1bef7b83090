package resolver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/patchouli/internal/domain/track"
)

type fakeSearcher struct {
	results map[string][]track.Track
	err     error
	calls   int
}

func (s *fakeSearcher) Search(ctx context.Context, query string) ([]track.Track, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.results[query], nil
}

type fakeSource struct {
	prefix string
	tracks map[string]track.Track
	links  map[string]string
}

func (s *fakeSource) Handles(uri string) bool { return strings.HasPrefix(uri, s.prefix) }

func (s *fakeSource) Fetch(ctx context.Context, uri string) (track.Track, error) {
	t, ok := s.tracks[uri]
	if !ok {
		return track.Track{}, errors.New("video unavailable")
	}
	return t, nil
}

func (s *fakeSource) MediaURL(ctx context.Context, uri string) (string, error) {
	link, ok := s.links[uri]
	if !ok {
		return "", errors.New("no formats")
	}
	return link, nil
}

type fakeTranslator struct {
	queries map[string]string
}

func (t *fakeTranslator) Handles(link string) bool { return strings.Contains(link, "open.spotify.com") }

func (t *fakeTranslator) TrackQuery(ctx context.Context, link string) (string, error) {
	q, ok := t.queries[link]
	if !ok {
		return "", errors.New("404 not found")
	}
	return q, nil
}

const rickURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

var rick = track.Track{Title: "Never Gonna Give You Up", SourceURI: rickURL, Duration: 213 * time.Second}

func newResolver(searchers ...Searcher) (*Resolver, *fakeSource) {
	yt := &fakeSource{
		prefix: "https://www.youtube.com/",
		tracks: map[string]track.Track{rickURL: rick},
		links:  map[string]string{rickURL: "https://rr1.googlevideo.com/audio"},
	}
	opts := []Option{
		WithSource(yt),
		WithLinkTranslator(&fakeTranslator{queries: map[string]string{
			"https://open.spotify.com/track/abc": "Rick Astley - Never Gonna Give You Up",
		}}),
	}
	for _, s := range searchers {
		opts = append(opts, WithSearcher(s))
	}
	return New(opts...), yt
}

func TestResolver_Resolve(t *testing.T) {
	search := &fakeSearcher{results: map[string][]track.Track{
		"rick astley":                           {{Title: "search title", SourceURI: rickURL}},
		"Rick Astley - Never Gonna Give You Up": {{Title: "search title", SourceURI: rickURL}},
	}}
	r, _ := newResolver(search)

	tests := []struct {
		name    string
		query   string
		want    track.Track
		wantErr error
	}{
		{name: "url", query: rickURL, want: rick},
		{name: "free text uses top result", query: "rick astley", want: rick},
		{name: "spotify link", query: "https://open.spotify.com/track/abc", want: rick},
		{name: "padded url", query: "  " + rickURL + "  ", want: rick},
		{name: "no results", query: "zzzz", wantErr: ErrNotFound},
		{name: "empty", query: "   ", wantErr: ErrNotFound},
		{name: "unknown spotify track", query: "https://open.spotify.com/track/nope", wantErr: ErrNotFound},
		{name: "unhandled url", query: "https://example.com/a.mp3", wantErr: ErrUnplayable},
		{name: "unavailable video", query: "https://www.youtube.com/watch?v=gone", wantErr: ErrUnplayable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.query)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_SearchFallback(t *testing.T) {
	broken := &fakeSearcher{err: errors.New("blocked")}
	backup := &fakeSearcher{results: map[string][]track.Track{
		"rick": {{SourceURI: rickURL}},
	}}
	r, _ := newResolver(broken, backup)

	got, err := r.Resolve(context.Background(), "rick")
	require.NoError(t, err)
	assert.Equal(t, rick, got)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, backup.calls)

	r, _ = newResolver(broken)
	_, err = r.Resolve(context.Background(), "rick")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestResolver_SourceFallback(t *testing.T) {
	generic := &fakeSource{
		prefix: "https://",
		tracks: map[string]track.Track{
			"https://www.youtube.com/watch?v=gone": {Title: "mirror", SourceURI: "https://www.youtube.com/watch?v=gone"},
		},
	}
	r, _ := newResolver()
	WithSource(generic)(r)

	got, err := r.FetchMetadata(context.Background(), "https://www.youtube.com/watch?v=gone")
	require.NoError(t, err)
	assert.Equal(t, "mirror", got.Title)

	// The first source that succeeds wins
	got, err = r.FetchMetadata(context.Background(), rickURL)
	require.NoError(t, err)
	assert.Equal(t, rick, got)
}

func TestResolver_MediaURL(t *testing.T) {
	r, _ := newResolver()

	link, err := r.MediaURL(context.Background(), rickURL)
	require.NoError(t, err)
	assert.Equal(t, "https://rr1.googlevideo.com/audio", link)

	_, err = r.MediaURL(context.Background(), "https://www.youtube.com/watch?v=gone")
	assert.True(t, errors.Is(err, ErrUnplayable))

	_, err = r.MediaURL(context.Background(), "https://example.com/a.mp3")
	assert.True(t, errors.Is(err, ErrUnplayable))
}

func TestIsURL(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"http://example.com/a.mp3", true},
		{"never gonna give you up", false},
		{"youtube.com/watch?v=x", false},
		{"ftp://example.com/a.mp3", false},
		{"https://", false},
		{"https://example.com/a b", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsURL(tt.input))
		})
	}
}
