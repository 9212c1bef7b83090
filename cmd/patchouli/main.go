// Package main provides the bot entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	apiconnect "github.com/osa030/patchouli/internal/api/connect"
	"github.com/osa030/patchouli/internal/app/command"
	"github.com/osa030/patchouli/internal/app/filter"
	"github.com/osa030/patchouli/internal/app/notification"
	"github.com/osa030/patchouli/internal/app/resolver"
	"github.com/osa030/patchouli/internal/app/session"
	"github.com/osa030/patchouli/internal/app/session/registry"
	"github.com/osa030/patchouli/internal/infra/audio"
	"github.com/osa030/patchouli/internal/infra/config"
	"github.com/osa030/patchouli/internal/infra/discord"
	"github.com/osa030/patchouli/internal/infra/logger"
	"github.com/osa030/patchouli/internal/infra/spotify"
	"github.com/osa030/patchouli/internal/infra/youtube"
	"github.com/osa030/patchouli/internal/infra/ytdlp"
)

const shutdownTimeout = 10 * time.Second

var (
	app        = kingpin.New("patchouli", "patchouli music bot")
	configPath = app.Flag("config", "Path to config file").Default("config/patchouli.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stderr)").String()

	// list-filters command
	listFiltersCmd = app.Command("list-filters", "List available filters and exit")
)

func init() {
	// start command (default) - no need to store the command
	app.Command("start", "Start the bot (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	// Parse command
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// Handle list-filters command
	if cmd == listFiltersCmd.FullCommand() {
		printFilters()
		return
	}

	// Initialize logger
	loggerConfig := logger.Config{Level: "info", File: *logfile}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	closer, err := logger.Init(loggerConfig)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer closer.Close()

	// Load config
	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Bot error: %+v", err)
		closer.Close()
		os.Exit(1)
	}
}

// run executes the main bot logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx := context.Background()

	if err := validateFilterConfig(cfg); err != nil {
		return errors.Wrap(err, "invalid filter config")
	}
	if _, err := exec.LookPath(cfg.Playback.FFmpegPath); err != nil {
		return errors.Wrapf(err, "ffmpeg not found at %q", cfg.Playback.FFmpegPath)
	}

	res, err := newResolver(ctx, cfg)
	if err != nil {
		return err
	}

	streamer := audio.NewStreamer(audio.Config{
		FFmpegPath: cfg.Playback.FFmpegPath,
		Bitrate:    cfg.Playback.BitrateKbps * 1000,
	}, res)

	bot, err := discord.New(cfg.Discord.Token)
	if err != nil {
		return err
	}

	notifier := notification.NewManager()
	sessionMgr := session.NewManager(cfg, registry.NewSessionRegistry(), res, bot.Voice(), streamer, notifier)
	bot.SetHandler(command.NewDispatcher(cfg, sessionMgr, bot))

	// Channel to capture admin server errors
	serverErrCh := make(chan error, 1)
	var server *http.Server
	if cfg.Admin.Addr != "" {
		server = newAdminServer(cfg, sessionMgr)
		go func() {
			zlog.Info().Msgf("Starting admin server: addr=%s", cfg.Admin.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrCh <- err
			}
		}()
	}

	if err := bot.Open(); err != nil {
		return err
	}
	zlog.Info().Msgf("Bot started: prefix=%q channel=%q", cfg.Discord.Prefix, cfg.Discord.CommandChannel)

	// Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		runErr = errors.Wrap(err, "admin server error")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop taking commands before ending sessions
	if err := bot.Close(); err != nil {
		zlog.Error().Msgf("Failed to close discord session: %v", err)
	}
	if err := sessionMgr.Close(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to close sessions: %v", err)
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			zlog.Error().Msgf("Failed to shutdown admin server: %v", err)
		}
	}

	zlog.Info().Msg("Bot stopped")
	return runErr
}

// newResolver wires the media backends. YouTube is tried first, yt-dlp
// handles every other site, and Spotify links are translated to searches.
func newResolver(ctx context.Context, cfg *config.Config) (*resolver.Resolver, error) {
	yt, err := youtube.NewClient(cfg.YouTube.Proxy)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create YouTube client")
	}
	opts := []resolver.Option{
		resolver.WithSearcher(yt),
		resolver.WithSource(yt),
	}

	if !cfg.YouTube.DisableYtdlp {
		dl := ytdlp.NewClient(cfg.YouTube.Proxy)
		opts = append(opts, resolver.WithSearcher(dl), resolver.WithSource(dl))
	}

	if cfg.SpotifyEnabled() {
		sp, err := spotify.New(ctx, spotify.Config{
			ClientID:     cfg.Spotify.ClientID,
			ClientSecret: cfg.Spotify.ClientSecret,
			Market:       cfg.Spotify.Market,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to create Spotify client")
		}
		opts = append(opts, resolver.WithLinkTranslator(sp))
	} else {
		zlog.Info().Msg("Spotify not configured, Spotify links will be searched as text")
	}

	return resolver.New(opts...), nil
}

// newAdminServer creates the admin API server with h2c (HTTP/2 cleartext) support.
func newAdminServer(cfg *config.Config, sessionMgr *session.Manager) *http.Server {
	mux := http.NewServeMux()
	adminPath, adminHandler := apiconnect.NewAdminServiceHandler(
		apiconnect.NewAdminService(sessionMgr),
		connect.WithInterceptors(apiconnect.NewAdminAuthInterceptor(cfg.Admin.Token)),
	)
	mux.Handle(adminPath, adminHandler)

	return &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// printFilters prints available filters.
func printFilters() {
	fmt.Println("Available Filters:")
	for _, name := range filter.Names() {
		f := filter.GetRegistered()[name]()
		codes := strings.Join(f.ReturnCodes(), ", ")
		fmt.Printf("  %-30s - %s [codes: %s]\n", f.Name(), f.Description(), codes)
	}
}

// validateFilterConfig validates filter configurations.
func validateFilterConfig(cfg *config.Config) error {
	for filterName, filterCfg := range cfg.Filters {
		if !filterCfg.Enabled {
			continue
		}
		if _, err := filter.New(filterName, filterCfg.Settings); err != nil {
			return errors.Wrapf(err, "filter %s", filterName)
		}
	}
	return nil
}
