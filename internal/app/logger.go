package app

import (
	"io"
	"time"

	"github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
)

// NewLogger returns a console logger and makes gnark log through it too.
func NewLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	l := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(lvl).With().Timestamp().Logger()
	if lvl > zerolog.DebugLevel {
		logger.Disable()
	} else {
		logger.Set(l)
	}
	return l, nil
}
