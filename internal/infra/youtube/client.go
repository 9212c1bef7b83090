// Package youtube provides YouTube search, metadata and stream URL lookup.
package youtube

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kkdai/youtube/v2"
	"github.com/ppalone/ytsearch"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/patchouli/internal/domain/track"
)

const (
	watchURLPrefix = "https://www.youtube.com/watch?v="
	httpTimeout    = 15 * time.Second
)

var ErrNoAudioFormat = errors.New("no audio format available")

// Client wraps the YouTube video and search clients.
type Client struct {
	video  *youtube.Client
	search *ytsearch.Client
}

// NewClient creates a client. proxy may be empty; otherwise it is an
// http(s) proxy URL used for all YouTube requests.
func NewClient(proxy string) (*Client, error) {
	httpClient := &http.Client{Timeout: httpTimeout}

	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, errors.Wrap(err, "invalid youtube proxy")
		}
		if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" {
			return nil, errors.Newf("unsupported proxy scheme: %s", proxyURL.Scheme)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		zlog.Info().Msgf("youtube: using proxy %s", proxyURL.Host)
	}

	return &Client{
		video:  &youtube.Client{HTTPClient: httpClient},
		search: ytsearch.NewClient(httpClient),
	}, nil
}

// Search returns the watch URLs and titles of the search results, best first.
func (c *Client) Search(ctx context.Context, query string) ([]track.Track, error) {
	res, err := c.search.Search(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "youtube search failed")
	}

	results := make([]track.Track, 0, len(res.Results))
	for _, r := range res.Results {
		if r.VideoID == "" {
			continue
		}
		results = append(results, track.Track{
			Title:     r.Title,
			SourceURI: watchURLPrefix + r.VideoID,
		})
	}
	return results, nil
}

// Fetch loads title and duration for a YouTube URL.
func (c *Client) Fetch(ctx context.Context, uri string) (track.Track, error) {
	video, err := c.video.GetVideoContext(ctx, uri)
	if err != nil {
		return track.Track{}, errors.Wrapf(err, "failed to get video %s", uri)
	}
	if _, ok := bestAudioFormat(video.Formats); !ok {
		return track.Track{}, errors.Wrapf(ErrNoAudioFormat, "video %s", video.ID)
	}

	return track.Track{
		Title:     video.Title,
		SourceURI: watchURLPrefix + video.ID,
		Duration:  video.Duration,
	}, nil
}

// MediaURL returns a direct URL of the best audio format of a YouTube video.
func (c *Client) MediaURL(ctx context.Context, uri string) (string, error) {
	video, err := c.video.GetVideoContext(ctx, uri)
	if err != nil {
		return "", errors.Wrapf(err, "failed to get video %s", uri)
	}

	format, ok := bestAudioFormat(video.Formats)
	if !ok {
		return "", errors.Wrapf(ErrNoAudioFormat, "video %s", video.ID)
	}

	link, err := c.video.GetStreamURLContext(ctx, video, &format)
	if err != nil {
		return "", errors.Wrap(err, "failed to get stream url")
	}
	return link, nil
}

// Handles reports whether uri points at YouTube.
func (c *Client) Handles(uri string) bool {
	return IsYouTubeURL(uri)
}

// IsYouTubeURL reports whether raw is a youtube.com or youtu.be URL.
func IsYouTubeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	host = strings.TrimPrefix(host, "music.")
	return host == "youtube.com" || host == "youtu.be"
}

// bestAudioFormat prefers audio-only formats, then the highest bitrate.
func bestAudioFormat(formats youtube.FormatList) (youtube.Format, bool) {
	candidates := formats.WithAudioChannels()
	if audioOnly := candidates.Type("audio"); len(audioOnly) > 0 {
		candidates = audioOnly
	}
	if len(candidates) == 0 {
		return youtube.Format{}, false
	}

	best := candidates[0]
	for _, f := range candidates[1:] {
		if f.Bitrate > best.Bitrate {
			best = f
		}
	}
	return best, true
}
