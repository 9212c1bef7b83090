package youtube

import (
	"testing"

	"github.com/kkdai/youtube/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsYouTubeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"watch URL", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"short URL", "https://youtu.be/dQw4w9WgXcQ", true},
		{"mobile", "https://m.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"music", "https://music.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"other host", "https://soundcloud.com/artist/track", false},
		{"lookalike host", "https://notyoutube.com/watch?v=x", false},
		{"free text", "never gonna give you up", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsYouTubeURL(tt.input))
		})
	}
}

func TestBestAudioFormat(t *testing.T) {
	formats := youtube.FormatList{
		{ItagNo: 18, MimeType: `video/mp4; codecs="avc1.42001E, mp4a.40.2"`, Bitrate: 500000, AudioChannels: 2},
		{ItagNo: 140, MimeType: `audio/mp4; codecs="mp4a.40.2"`, Bitrate: 130000, AudioChannels: 2},
		{ItagNo: 251, MimeType: `audio/webm; codecs="opus"`, Bitrate: 160000, AudioChannels: 2},
		{ItagNo: 137, MimeType: `video/mp4; codecs="avc1.640028"`, Bitrate: 4000000},
	}

	f, ok := bestAudioFormat(formats)
	require.True(t, ok)
	assert.Equal(t, 251, f.ItagNo)

	// Muxed formats are used when nothing is audio-only
	f, ok = bestAudioFormat(formats[:1])
	require.True(t, ok)
	assert.Equal(t, 18, f.ItagNo)

	_, ok = bestAudioFormat(formats[3:])
	assert.False(t, ok)
}

func TestNewClient_Proxy(t *testing.T) {
	_, err := NewClient("")
	assert.NoError(t, err)

	_, err = NewClient("http://127.0.0.1:8080")
	assert.NoError(t, err)

	_, err = NewClient("socks5://127.0.0.1:1080")
	assert.Error(t, err)
}
