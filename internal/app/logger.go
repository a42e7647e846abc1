package app

import (
	"io"

	"github.com/felixgeelhaar/converge/internal/adapters/logging"
	"github.com/felixgeelhaar/converge/internal/ports"
)

// NewLogger builds the console logger described by the settings. Verbose
// forces debug level.
func NewLogger(w io.Writer, s Settings, verbose bool) (ports.Logger, error) {
	level, err := ports.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = ports.LevelDebug
	}
	return logging.NewConsoleLogger(
		logging.WithOutput(w),
		logging.WithLevel(level),
		logging.WithJSONFormat(s.LogFormat == "json"),
		logging.WithTimestamp(s.LogFormat == "json"),
	), nil
}
