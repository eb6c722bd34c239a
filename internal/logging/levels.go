package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel is a custom level below Debug (-1) for per-timer and per-event
// detail such as debounce re-arms. Almost always filtered in production.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a string into a zapcore.Level, supporting "trace".
func LevelFromString(level string) (zapcore.Level, error) {
	if strings.EqualFold(level, "trace") {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
