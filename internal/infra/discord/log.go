package discord

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var loggerOnce sync.Once

// installLogger routes discordgo's internal logging through zerolog.
func installLogger() {
	loggerOnce.Do(func() {
		discordgo.Logger = func(msgL, caller int, format string, a ...interface{}) {
			zlog.WithLevel(logLevel(msgL)).Msgf("discordgo: %s", fmt.Sprintf(format, a...))
		}
	})
}

func logLevel(msgL int) zerolog.Level {
	switch msgL {
	case discordgo.LogError:
		return zerolog.ErrorLevel
	case discordgo.LogWarning:
		return zerolog.WarnLevel
	case discordgo.LogInformational:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}
