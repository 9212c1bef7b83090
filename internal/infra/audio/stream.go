// Package audio decodes media with ffmpeg and encodes it to Opus frames.
package audio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"layeh.com/gopus"

	"github.com/osa030/patchouli/internal/domain/sink"
	"github.com/osa030/patchouli/internal/domain/track"
)

const (
	sampleRate   = 48000
	channels     = 2
	frameSize    = 960 // 20ms at 48kHz
	maxOpusBytes = frameSize * channels * 2
)

// Locator turns a track's source URI into something ffmpeg can read.
type Locator interface {
	MediaURL(ctx context.Context, sourceURI string) (string, error)
}

// Config holds the encoder settings.
type Config struct {
	FFmpegPath string // defaults to "ffmpeg"
	Bitrate    int    // Opus bitrate in bit/s; zero keeps the encoder default
}

// Streamer opens ffmpeg-backed Opus streams.
type Streamer struct {
	config  Config
	locator Locator
}

// NewStreamer creates a streamer.
func NewStreamer(config Config, locator Locator) *Streamer {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	return &Streamer{config: config, locator: locator}
}

// Open starts decoding t and writing Opus frames to w.
func (s *Streamer) Open(ctx context.Context, t track.Track, opts sink.StreamOptions, w sink.FrameWriter) (sink.Dispatcher, error) {
	link, err := s.locator.MediaURL(ctx, t.SourceURI)
	if err != nil {
		return nil, errors.Wrap(err, "failed to locate media")
	}

	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create opus encoder")
	}
	if s.config.Bitrate > 0 {
		enc.SetBitrate(s.config.Bitrate)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(streamCtx, s.config.FFmpegPath, ffmpegArgs(link, opts.StartOffset.Seconds())...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to open ffmpeg stdout")
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to start ffmpeg")
	}

	st := &Stream{
		cancel: cancel,
		done:   make(chan sink.StreamResult, 1),
	}
	st.SetGain(opts.Gain)

	zlog.Debug().Msgf("audio: ffmpeg started: track=%s offset=%s", t, opts.StartOffset)

	go st.run(streamCtx, cmd, stdout, stderr, enc, w)
	return st, nil
}

// Stream is the dispatcher of one running ffmpeg process.
type Stream struct {
	gain    atomic.Uint64
	stopped atomic.Bool
	cancel  context.CancelFunc
	once    sync.Once
	done    chan sink.StreamResult
}

// SetGain sets the gain applied to frames not yet encoded.
func (s *Stream) SetGain(gain float64) {
	s.gain.Store(math.Float64bits(gain))
}

func (s *Stream) currentGain() float64 {
	return math.Float64frombits(s.gain.Load())
}

// Stop kills ffmpeg. The result reports Stopped.
func (s *Stream) Stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.cancel()
	})
}

// Done yields the result once the stream has ended.
func (s *Stream) Done() <-chan sink.StreamResult {
	return s.done
}

func (s *Stream) run(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, enc *gopus.Encoder, w sink.FrameWriter) {
	var result sink.StreamResult
	defer func() {
		s.cancel()
		s.done <- result
	}()

	if err := w.SetSpeaking(true); err != nil {
		zlog.Warn().Err(err).Msg("audio: failed to set speaking")
	}
	defer func() {
		if err := w.SetSpeaking(false); err != nil {
			zlog.Debug().Err(err).Msg("audio: failed to clear speaking")
		}
	}()

	reader := bufio.NewReaderSize(stdout, frameSize*channels*2*4)
	buf := make([]byte, frameSize*channels*2)
	pcm := make([]int16, frameSize*channels)

	var streamErr error
	for {
		if _, err := io.ReadFull(reader, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				streamErr = errors.Wrap(err, "failed to read pcm")
			}
			break
		}

		decodePCM(buf, pcm)
		applyGain(pcm, s.currentGain())

		frame, err := enc.Encode(pcm, frameSize, maxOpusBytes)
		if err != nil {
			streamErr = errors.Wrap(err, "failed to encode opus frame")
			break
		}
		if err := w.WriteFrame(ctx, frame); err != nil {
			streamErr = errors.Wrap(err, "failed to send opus frame")
			break
		}
		result.Frames++
	}

	cancelled := ctx.Err() != nil

	// Drain so ffmpeg is not blocked on a full pipe while we wait.
	s.cancel()
	_, _ = io.Copy(io.Discard, reader)
	waitErr := cmd.Wait()

	if s.stopped.Load() || cancelled {
		result.Stopped = true
		return
	}
	if streamErr != nil {
		result.Err = streamErr
		return
	}
	if waitErr != nil && result.Frames == 0 {
		result.Err = errors.Wrapf(waitErr, "ffmpeg failed: %s", lastLine(stderr.String()))
	}
}

// ffmpegArgs decodes input to raw 48kHz stereo s16le on stdout.
func ffmpegArgs(input string, startSeconds float64) []string {
	args := []string{"-hide_banner", "-nostdin"}
	if startSeconds > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", startSeconds))
	}
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	}
	return append(args,
		"-i", input,
		"-vn",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", fmt.Sprintf("%d", channels),
		"-loglevel", "error",
		"pipe:1",
	)
}

// decodePCM converts little-endian s16 bytes to samples. len(buf) must be
// 2*len(pcm).
func decodePCM(buf []byte, pcm []int16) {
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}
}

// applyGain scales samples in place, clipping at the int16 range.
func applyGain(pcm []int16, gain float64) {
	if gain == 1 {
		return
	}
	for i, v := range pcm {
		scaled := math.Round(float64(v) * gain)
		switch {
		case scaled > math.MaxInt16:
			pcm[i] = math.MaxInt16
		case scaled < math.MinInt16:
			pcm[i] = math.MinInt16
		default:
			pcm[i] = int16(scaled)
		}
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
