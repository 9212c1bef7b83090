// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AnyChannel accepts commands from every text channel.
const AnyChannel = "*"

// Config represents the application configuration.
type Config struct {
	Discord  DiscordConfig           `yaml:"discord"`
	Playback PlaybackConfig          `yaml:"playback"`
	Commands CommandsConfig          `yaml:"commands"`
	Filters  map[string]FilterConfig `yaml:"filters"`
	Messages MessagesConfig          `yaml:"messages"`
	Spotify  SpotifyConfig           `yaml:"spotify"`
	YouTube  YouTubeConfig           `yaml:"youtube"`
	Admin    AdminConfig             `yaml:"admin"`
}

// DiscordConfig represents chat transport configuration.
type DiscordConfig struct {
	Token          string `yaml:"token" env:"DISCORD_TOKEN" validate:"required"`
	Prefix         string `yaml:"prefix" default:"patchouli " validate:"required"`
	CommandChannel string `yaml:"command_channel" default:"bot-spam-commands"` // "*" for any channel
	WrongPrefix    string `yaml:"wrong_prefix" default:"!"`
}

// PlaybackConfig represents playback configuration.
type PlaybackConfig struct {
	DefaultVolume   float64 `yaml:"default_volume" default:"0.25" validate:"gt=0,lte=1"`
	JoinTimeoutSec  int     `yaml:"join_timeout_sec" default:"10" validate:"gte=1,lte=60"`
	LeaveTimeoutSec int     `yaml:"leave_timeout_sec" default:"5" validate:"gte=1,lte=60"`
	FFmpegPath      string  `yaml:"ffmpeg_path" env:"FFMPEG_PATH" default:"ffmpeg"`
	BitrateKbps     int     `yaml:"bitrate_kbps" default:"96" validate:"gte=8,lte=512"`
}

// CommandsConfig represents command handling configuration.
type CommandsConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" default:"1" validate:"gt=0"`
	Burst         int     `yaml:"burst" default:"5" validate:"gte=1"`
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// MessagesConfig represents user-facing messages.
// Placeholders such as {title} are filled in by Render.
type MessagesConfig struct {
	Queued                string `yaml:"queued" default:"{title} has been added to the queue"`
	NowPlaying            string `yaml:"now_playing" default:"now playing: {title}"`
	TrackFailed           string `yaml:"track_failed" default:"could not play {title}, skipping"`
	QueueFinished         string `yaml:"queue_finished" default:"queue finished, leaving"`
	Skipping              string `yaml:"skipping" default:"skipping"`
	Stopping              string `yaml:"stopping" default:"stopping"`
	VolumeSet             string `yaml:"volume_set" default:"volume set to {volume}%"`
	NothingPlaying        string `yaml:"nothing_playing" default:"nothing is playing"`
	NothingToSkip         string `yaml:"nothing_to_skip" default:"no songs to skip"`
	NothingToStop         string `yaml:"nothing_to_stop" default:"nothing to stop"`
	NoResults             string `yaml:"no_results" default:"no results for {query}"`
	Unplayable            string `yaml:"unplayable" default:"no video found: {query}"`
	NotInVoice            string `yaml:"not_in_voice" default:"you aren't in a voice channel"`
	NoPermission          string `yaml:"no_permission" default:"i don't have permission to join"`
	JoinFailed            string `yaml:"join_failed" default:"could not join voice channel: {error}"`
	InvalidQuery          string `yaml:"invalid_query" default:"not a valid query"`
	InvalidCommand        string `yaml:"invalid_command" default:"invalid command"`
	InvalidVolume         string `yaml:"invalid_volume" default:"usage: {prefix}volume <0-100>"`
	WrongPrefix           string `yaml:"wrong_prefix" default:"try: {prefix}help"`
	RateLimited           string `yaml:"rate_limited" default:"slow down"`
	QueueFull             string `yaml:"queue_full" default:"the queue is full"`
	DuplicateTrack        string `yaml:"duplicate_track" default:"that track is already in the queue"`
	DurationLimitExceeded string `yaml:"duration_limit_exceeded" default:"that track is too long or too short"`
	UserPending           string `yaml:"user_pending" default:"you already have too many tracks queued"`
	DefaultError          string `yaml:"default_error" default:"something went wrong"`
}

// SpotifyConfig represents Spotify API configuration.
// Spotify links are only resolved when both credentials are set.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id" env:"SPOTIFY_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"SPOTIFY_CLIENT_SECRET"`
	Market       string `yaml:"market" validate:"omitempty,len=2"`
}

// YouTubeConfig represents media lookup configuration.
type YouTubeConfig struct {
	Proxy        string `yaml:"proxy" env:"YOUTUBE_PROXY" validate:"omitempty,url"`
	DisableYtdlp bool   `yaml:"disable_ytdlp"`
}

// AdminConfig represents the admin API configuration.
// The API is disabled when Addr is empty.
type AdminConfig struct {
	Addr  string `yaml:"addr" env:"ADMIN_ADDR"`
	Token string `yaml:"token" env:"ADMIN_TOKEN" validate:"required_with=Addr"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return parse(data, env.Options{})
}

// Default returns a configuration with all defaults applied and nothing loaded.
func Default() *Config {
	var cfg Config
	_ = defaults.Set(&cfg)
	return &cfg
}

func parse(data []byte, envOpts env.Options) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	if err := env.ParseWithOptions(&cfg, envOpts); err != nil {
		return nil, errors.Wrap(err, "failed to read environment")
	}

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	if strings.TrimSpace(c.Discord.Prefix) == "" {
		return errors.New("discord.prefix must not be blank")
	}
	if (c.Spotify.ClientID == "") != (c.Spotify.ClientSecret == "") {
		return errors.New("spotify.client_id and spotify.client_secret must be set together")
	}
	return nil
}

// GetMessage returns the message for the given filter code.
func (c *Config) GetMessage(code string) string {
	switch code {
	case "queue_full":
		return c.Messages.QueueFull
	case "duplicate_track":
		return c.Messages.DuplicateTrack
	case "duration_limit_exceeded":
		return c.Messages.DurationLimitExceeded
	case "user_pending":
		return c.Messages.UserPending
	default:
		return c.Messages.DefaultError
	}
}

// Render fills {key} placeholders in tmpl from alternating key/value pairs.
func Render(tmpl string, pairs ...string) string {
	if len(pairs) == 0 {
		return tmpl
	}
	oldnew := make([]string, 0, len(pairs))
	for i := 0; i+1 < len(pairs); i += 2 {
		oldnew = append(oldnew, "{"+pairs[i]+"}", pairs[i+1])
	}
	return strings.NewReplacer(oldnew...).Replace(tmpl)
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}

// SpotifyEnabled reports whether Spotify credentials are configured.
func (c *Config) SpotifyEnabled() bool {
	return c.Spotify.ClientID != "" && c.Spotify.ClientSecret != ""
}

// JoinTimeout returns the voice join timeout.
func (c *Config) JoinTimeout() time.Duration {
	return time.Duration(c.Playback.JoinTimeoutSec) * time.Second
}

// LeaveTimeout returns the voice leave timeout.
func (c *Config) LeaveTimeout() time.Duration {
	return time.Duration(c.Playback.LeaveTimeoutSec) * time.Second
}

// AcceptsChannel reports whether commands from the named channel are handled.
func (c *Config) AcceptsChannel(name string) bool {
	return c.Discord.CommandChannel == AnyChannel || c.Discord.CommandChannel == name
}
