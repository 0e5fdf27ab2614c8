// Package logging builds the logr logger stackctl hands to the engine and executors.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Levels lists the accepted --log-level values.
var Levels = []string{"debug", "info", "warn", "error"}

// ParseLevel maps a --log-level value to a zap level. "debug" also enables V(1) and V(2)
// engine logs.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.Level(-2), nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return 0, fmt.Errorf("unknown log level %q (expected %s)", level, strings.Join(Levels, ", "))
}

// New returns a logger writing to stderr.
func New(level string) (logr.Logger, error) {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter returns a controller-runtime zap logger at level writing to w.
func NewWithWriter(level string, w io.Writer) (logr.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return logr.Logger{}, err
	}
	atomic := zap.NewAtomicLevelAt(lvl)
	opts := crzap.Options{
		Development: lvl < zapcore.InfoLevel,
		Level:       &atomic,
		DestWriter:  w,
	}
	return crzap.New(crzap.UseFlagOptions(&opts)), nil
}
