package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEndcatHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "op-123",
			level:   slog.LevelInfo,
			message: "sync finished",
			want:    "2024-06-15T14:30:45Z\tINFO\top-123\tsync finished\n",
		},
		{
			name:    "warn level",
			opID:    "op-456",
			level:   slog.LevelWarn,
			message: "pool failed",
			want:    "2024-06-15T14:30:45Z\tWARN\top-456\tpool failed\n",
		},
		{
			name:    "with record attrs",
			opID:    "op-789",
			level:   slog.LevelInfo,
			message: "pool crawled",
			attrs:   []slog.Attr{slog.String("pool", "Special"), slog.Int("records", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\top-789\tpool crawled\tpool=Special\trecords=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &endcatHandler{w: &buf, opID: tt.opID, level: slog.LevelDebug}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestEndcatHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &endcatHandler{w: &buf, opID: "op-1"}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "mirror")}).(*endcatHandler)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "download", 0)
	r.AddAttrs(slog.String("path", "a.json"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=mirror") {
		t.Errorf("expected pre-set attr component=mirror, got: %q", got)
	}
	if !strings.Contains(got, "path=a.json") {
		t.Errorf("expected record attr path=a.json, got: %q", got)
	}
}

func TestEndcatHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	var buf bytes.Buffer
	h := &endcatHandler{w: &buf, opID: "op-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*endcatHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("new handler attrs: got %d, want 2", len(h2.attrs))
	}
}

func TestEndcatHandler_Enabled(t *testing.T) {
	tests := []struct {
		name     string
		min      slog.Leveler
		disabled []slog.Level
		enabled  []slog.Level
	}{
		{
			name:     "nil level defaults to info",
			disabled: []slog.Level{slog.LevelDebug},
			enabled:  []slog.Level{slog.LevelInfo, slog.LevelWarn, slog.LevelError},
		},
		{
			name:    "debug enables everything",
			min:     slog.LevelDebug,
			enabled: []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError},
		},
		{
			name:     "warn",
			min:      slog.LevelWarn,
			disabled: []slog.Level{slog.LevelDebug, slog.LevelInfo},
			enabled:  []slog.Level{slog.LevelWarn, slog.LevelError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &endcatHandler{level: tt.min}
			for _, level := range tt.enabled {
				if !h.Enabled(context.Background(), level) {
					t.Errorf("Enabled(%v) = false, want true", level)
				}
			}
			for _, level := range tt.disabled {
				if h.Enabled(context.Background(), level) {
					t.Errorf("Enabled(%v) = true, want false", level)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "debug", want: slog.LevelDebug},
		{in: " INFO ", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()

	logger, f, err := newLogger(dir, "test-op", slog.LevelWarn)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	if logger == nil {
		t.Fatal("newLogger() returned nil logger")
	}

	logger.Info("hidden")
	logger.Warn("shown", "uid", "u1")

	data, err := os.ReadFile(filepath.Join(dir, "endcat.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(data)
	if strings.Contains(got, "hidden") {
		t.Errorf("log contains a record below the minimum level: %q", got)
	}
	if !strings.Contains(got, "\ttest-op\tshown\tuid=u1\n") {
		t.Errorf("log = %q, want the warn record with its op id", got)
	}
}
