package logging

import (
	"testing"

	"bg-perp-connector/internal/config"

	"go.uber.org/zap/zapcore"
)

func TestLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for name, want := range cases {
		if got := Level(name); got != want {
			t.Fatalf("level %q: expected %v, got %v", name, want, got)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	log := New(config.LoggingConfig{Level: "warn", Encoding: "console"})
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info disabled at warn level")
	}
	if !log.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("expected error enabled at warn level")
	}
}
