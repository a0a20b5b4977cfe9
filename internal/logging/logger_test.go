package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferLogger(level LogLevel, format LogFormat) (*Logger, *bytes.Buffer) {
	logger := NewLogger(level, format)
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	return logger, buf
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(LevelWarn, FormatText)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("levels below warn should be filtered, got: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("warn and error should be logged, got: %s", out)
	}
}

func TestLogger_JSONFields(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo, FormatJSON)

	logger.WithFields(map[string]interface{}{
		FieldConnectionID: "conn-1",
		FieldProvider:     "saltedge",
	}).Info("sync started")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if entry.Message != "sync started" {
		t.Errorf("Message = %q, want %q", entry.Message, "sync started")
	}
	if entry.Fields[FieldConnectionID] != "conn-1" {
		t.Errorf("connectionId field = %v, want conn-1", entry.Fields[FieldConnectionID])
	}
}

func TestLogger_RedactsCredentialFields(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo, FormatJSON)

	logger.WithField("accessToken", "secret-token-value").Info("token refreshed")

	out := buf.String()
	if strings.Contains(out, "secret-token-value") {
		t.Fatalf("access token value leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[redacted]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
}

func TestLogger_ChildDoesNotMutateParent(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo, FormatJSON)

	_ = logger.WithField("jobId", "job-1")
	logger.Info("no fields expected")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(entry.Fields) != 0 {
		t.Errorf("parent logger gained fields from child: %v", entry.Fields)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLogLevel(tt.input); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
