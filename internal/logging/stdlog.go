package logging

import (
	"log"
	"strings"

	"github.com/rs/zerolog"
)

// libraryTags maps the level tags third-party libraries embed in plain log
// lines ("<prefix> [warn]: <message>") to zerolog levels.
var libraryTags = []struct {
	tag   string
	level zerolog.Level
}{
	{"[error]: ", zerolog.ErrorLevel},
	{"[warn]: ", zerolog.WarnLevel},
	{"[info]: ", zerolog.InfoLevel},
}

// NewStdLogger returns a standard library logger whose lines are re-emitted
// through logger. Tagged lines keep their level; untagged ones use fallback.
// Whatever precedes the tag is recorded as the "source" field.
func NewStdLogger(logger zerolog.Logger, fallback zerolog.Level) *log.Logger {
	return log.New(&stdWriter{logger: logger, fallback: fallback}, "", 0)
}

type stdWriter struct {
	logger   zerolog.Logger
	fallback zerolog.Level
}

func (w *stdWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	if strings.TrimSpace(line) == "" {
		return len(p), nil
	}
	level, source, msg := splitTagged(line, w.fallback)
	event := w.logger.WithLevel(level)
	if source != "" {
		event = event.Str("source", source)
	}
	event.Msg(msg)
	return len(p), nil
}

func splitTagged(line string, fallback zerolog.Level) (zerolog.Level, string, string) {
	for _, t := range libraryTags {
		if i := strings.Index(line, t.tag); i >= 0 {
			return t.level, strings.TrimSpace(line[:i]), line[i+len(t.tag):]
		}
	}
	return fallback, "", line
}
