// Package ytdlp resolves arbitrary media URLs through the yt-dlp binary.
package ytdlp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lrstanley/go-ytdlp"

	"github.com/osa030/patchouli/internal/domain/track"
)

const (
	audioFormat   = "bestaudio/best"
	metadataPrint = "%(title)s\t%(duration)s\t%(webpage_url)s"
	searchPrint   = "%(url)s\t%(title)s\t%(duration)s"
)

var ErrNoOutput = errors.New("yt-dlp returned no usable output")

// Client runs yt-dlp.
type Client struct {
	proxy string
}

// NewClient creates a client. proxy may be empty.
func NewClient(proxy string) *Client {
	return &Client{proxy: proxy}
}

func (c *Client) command() *ytdlp.Command {
	cmd := ytdlp.New().
		NoWarnings().
		IgnoreConfig()
	if c.proxy != "" {
		cmd = cmd.Proxy(c.proxy)
	}
	return cmd
}

// Fetch loads title and duration for any URL yt-dlp supports.
func (c *Client) Fetch(ctx context.Context, uri string) (track.Track, error) {
	res, err := c.command().
		Print(metadataPrint).
		Format(audioFormat).
		NoPlaylist().
		Run(ctx, "--skip-download", uri)
	if err != nil {
		return track.Track{}, errors.Wrapf(err, "yt-dlp failed for %s", uri)
	}

	t, ok := parseMetadata(res.Stdout, uri)
	if !ok {
		return track.Track{}, errors.Wrapf(ErrNoOutput, "metadata for %s", uri)
	}
	return t, nil
}

// MediaURL returns a direct URL of the best audio stream for uri.
func (c *Client) MediaURL(ctx context.Context, uri string) (string, error) {
	res, err := c.command().
		Print("%(url)s").
		Format(audioFormat).
		NoPlaylist().
		Run(ctx, "--skip-download", uri)
	if err != nil {
		return "", errors.Wrapf(err, "yt-dlp failed for %s", uri)
	}

	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if link := strings.TrimSpace(line); strings.HasPrefix(link, "http") {
			return link, nil
		}
	}
	return "", errors.Wrapf(ErrNoOutput, "stream url for %s", uri)
}

// Search runs a YouTube search through yt-dlp and returns up to limit results.
func (c *Client) Search(ctx context.Context, query string) ([]track.Track, error) {
	const limit = 5
	res, err := c.command().
		FlatPlaylist().
		Print(searchPrint).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, fmt.Sprintf("ytsearch%d:%s", limit, query))
	if err != nil {
		return nil, errors.Wrap(err, "yt-dlp search failed")
	}
	return parseSearch(res.Stdout), nil
}

// Handles reports whether uri can be passed to yt-dlp. Any http(s) URL is
// attempted.
func (c *Client) Handles(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// parseMetadata parses one metadataPrint line. fallbackURI is used when
// yt-dlp does not report a webpage URL.
func parseMetadata(out, fallbackURI string) (track.Track, bool) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		uri := strings.TrimSpace(parts[2])
		if uri == "" || uri == "NA" {
			uri = fallbackURI
		}
		title := strings.TrimSpace(parts[0])
		if title == "" || title == "NA" {
			title = uri
		}
		return track.Track{
			Title:     title,
			SourceURI: uri,
			Duration:  parseDuration(parts[1]),
		}, true
	}
	return track.Track{}, false
}

func parseSearch(out string) []track.Track {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	results := make([]track.Track, 0, len(lines))
	for _, line := range lines {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 || !strings.HasPrefix(parts[0], "http") {
			continue
		}
		results = append(results, track.Track{
			Title:     parts[1],
			SourceURI: parts[0],
			Duration:  parseDuration(parts[2]),
		})
	}
	return results
}

// parseDuration parses yt-dlp's duration field (seconds, possibly
// fractional, or "NA").
func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s) + "s")
	if err != nil || d < 0 {
		return 0
	}
	return d
}
