package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the API logger. Production output is uncoloured and at info
// level; everything else logs at debug.
func New(environment string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		NoColor:    environment == "production",
	}

	logger := newLogger(output).With().
		Str("env", environment).
		Str("service", "portalauth-api").
		Logger()

	if environment != "production" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return logger
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}
