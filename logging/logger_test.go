package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewWritesToFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widgetchat.log")

	logger, err := New("warn", "file:"+path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("hidden_event")
	logger.Warn("visible_event", zap.String("echo_id", "e-1"))
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(raw)
	if strings.Contains(out, "hidden_event") {
		t.Fatalf("info entry written at warn level: %s", out)
	}
	if !strings.Contains(out, "visible_event") || !strings.Contains(out, `"echo_id":"e-1"`) {
		t.Fatalf("expected warn entry with fields, got %s", out)
	}
}
