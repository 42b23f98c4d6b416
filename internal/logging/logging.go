package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger: human-readable console output in
// development, JSON lines otherwise.
func New(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}
