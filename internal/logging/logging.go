// Package logging constructs the root hclog.Logger used throughout hlsvod,
// named per-component by callers via Logger.Named(...).
package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// New returns the root logger. debug lowers the level to hclog.Debug;
// otherwise hclog.Info.
func New(debug bool) hclog.Logger {
	level := hclog.Info
	if debug {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "hlsvod",
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: false,
	})
}
