package logging

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger(Config{Level: "warn"})
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", logger.GetLevel())
	}

	logger = NewLogger(Config{Level: "bogus"})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("invalid level should fall back to info, got %s", logger.GetLevel())
	}
}

func TestLogWriter(t *testing.T) {
	if _, ok := logWriter(Config{Format: "console"}).(zerolog.ConsoleWriter); !ok {
		t.Fatal("console format should use ConsoleWriter")
	}
	if w := logWriter(Config{Output: "stderr"}); w != os.Stderr {
		t.Fatalf("expected stderr writer, got %T", w)
	}
	if w := logWriter(Config{}); w != os.Stdout {
		t.Fatalf("expected stdout writer, got %T", w)
	}
}
