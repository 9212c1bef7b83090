// Package command parses chat commands and runs them against the session
// manager.
package command

import (
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Name identifies a command.
type Name string

const (
	Play   Name = "play"
	Skip   Name = "skip"
	Stop   Name = "stop"
	Volume Name = "volume"
	Help   Name = "help"
)

// Command is a parsed chat command.
type Command struct {
	Name Name
	Args string // Everything after the command word, trimmed
}

var (
	// ErrNotCommand means the text is not addressed to the bot.
	ErrNotCommand = errors.New("not a command")
	// ErrWrongPrefix means the text looks like a command for another bot prefix.
	ErrWrongPrefix = errors.New("wrong command prefix")
	// ErrUnknownCommand means the text has the prefix but no known command.
	ErrUnknownCommand = errors.New("unknown command")
)

// Parse parses a message. The wrong-prefix check runs first, so a wrong
// prefix is reported even if the text would otherwise be ignored.
func Parse(content, prefix, wrongPrefix string) (Command, error) {
	if wrongPrefix != "" && strings.HasPrefix(content, wrongPrefix) {
		return Command{}, ErrWrongPrefix
	}
	if !strings.HasPrefix(content, prefix) {
		return Command{}, ErrNotCommand
	}

	rest := strings.TrimSpace(strings.TrimPrefix(content, prefix))
	word, args, _ := strings.Cut(rest, " ")

	switch name := Name(strings.ToLower(word)); name {
	case Play, Skip, Stop, Volume, Help:
		return Command{Name: name, Args: strings.TrimSpace(args)}, nil
	default:
		return Command{}, errors.Wrapf(ErrUnknownCommand, "%q", word)
	}
}

// ParseVolume parses a volume percentage. Out-of-range values are accepted
// and clamped later; non-numbers are not.
func ParseVolume(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid volume %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Newf("invalid volume %q", s)
	}
	return v, nil
}
