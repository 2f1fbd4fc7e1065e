package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNoopIfNil(t *testing.T) {
	if NoopIfNil(nil) != Noop() {
		t.Error("expected discard logger for nil input")
	}

	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if NoopIfNil(l) != l {
		t.Error("expected the given logger to be returned")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_RespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, slog.LevelWarn)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record should be filtered, got %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn record missing, got %s", out)
	}
}

func TestRedactToken(t *testing.T) {
	if got := RedactToken("abc.def", false); got != "[REDACTED]" {
		t.Errorf("RedactToken = %q, want [REDACTED]", got)
	}
	if got := RedactToken("abc.def", true); got != "abc.def" {
		t.Errorf("RedactToken with allowSensitive = %q, want abc.def", got)
	}
	if got := RedactToken("", false); got != "" {
		t.Errorf("RedactToken of empty = %q, want empty", got)
	}
}
