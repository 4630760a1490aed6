package main

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"bogus", slog.LevelInfo, slog.LevelDebug},
	}

	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			logger := newLogger(tc.level)
			if !logger.Enabled(context.Background(), tc.enabled) {
				t.Errorf("level %s should be enabled", tc.level)
			}
			if logger.Enabled(context.Background(), tc.muted) {
				t.Errorf("level below %s should be muted", tc.level)
			}
		})
	}
}
