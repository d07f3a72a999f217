package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Init configures the standard logrus logger. Logs always go to stderr so
// they never mix with tables or data written to stdout. jsonOutput selects
// the JSON formatter; otherwise a text formatter with full timestamps.
func Init(jsonOutput bool, level logrus.Level) {
	InitTo(os.Stderr, jsonOutput, level)
}

func InitTo(w io.Writer, jsonOutput bool, level logrus.Level) {
	logrus.SetOutput(w)
	logrus.SetLevel(level)
	if jsonOutput {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// ParseLevel converts a logrus level name ("trace" through "panic") to a
// level. Unknown strings default to InfoLevel.
func ParseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
