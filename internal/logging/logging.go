// Package logging configures the process-wide apex/log logger.
package logging

import (
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
)

// Init installs the text handler and applies the configured level, falling
// back to info when the level string is unknown.
func Init(level string) {
	log.SetHandler(text.New(os.Stderr))

	parsed, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}
