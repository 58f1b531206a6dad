package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"segmentdl/pkg/logger"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "verbose", want: slog.LevelInfo, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()

			got, err := logger.ParseLevel(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			}

			if got != tc.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestNewFormats(t *testing.T) {
	if _, err := logger.New(nil); err == nil {
		t.Fatal("New(nil) succeeded unexpectedly")
	}

	var jsonBuf bytes.Buffer

	log, err := logger.New(&logger.Options{Level: "debug", Format: logger.FormatJSON, Writer: &jsonBuf})
	if err != nil {
		t.Fatalf("New(json) failed: %v", err)
	}

	log.Debug("chunk fetched", slog.Int("index", 3))

	var rec map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &rec); err != nil {
		t.Fatalf("json output not parseable: %v (%q)", err, jsonBuf.String())
	}

	if rec["msg"] != "chunk fetched" {
		t.Errorf("msg = %v", rec["msg"])
	}

	var textBuf bytes.Buffer

	log, err = logger.New(&logger.Options{Level: "info", Format: logger.FormatText, Writer: &textBuf})
	if err != nil {
		t.Fatalf("New(text) failed: %v", err)
	}

	log.Debug("hidden")
	log.Info("task done", slog.String("task_id", "abc"))

	out := textBuf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record leaked at info level: %q", out)
	}

	if !strings.Contains(out, "task done") || !strings.Contains(out, "abc") {
		t.Errorf("text output missing record: %q", out)
	}
}
