package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger(LevelInfo)

	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}

	if logger.minLevel != LevelInfo {
		t.Errorf("Expected minLevel to be %s, got %s", LevelInfo, logger.minLevel)
	}
	if logger.format != FormatJSON {
		t.Errorf("Expected JSON format by default, got %s", logger.format)
	}
}

func TestLogger_ShouldLog(t *testing.T) {
	tests := []struct {
		name     string
		minLevel Level
		logLevel Level
		want     bool
	}{
		{"debug logs when min is debug", LevelDebug, LevelDebug, true},
		{"info logs when min is debug", LevelDebug, LevelInfo, true},
		{"error logs when min is debug", LevelDebug, LevelError, true},
		{"debug does not log when min is info", LevelInfo, LevelDebug, false},
		{"info logs when min is info", LevelInfo, LevelInfo, true},
		{"warn logs when min is info", LevelInfo, LevelWarn, true},
		{"info does not log when min is error", LevelError, LevelInfo, false},
		{"error logs when min is error", LevelError, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.minLevel)
			got := logger.shouldLog(tt.logLevel)
			if got != tt.want {
				t.Errorf("shouldLog() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogger_JSONEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(LevelInfo, FormatJSON, &buf)

	logger.Info("power.reading.failed", "Reading skipped", map[string]interface{}{
		"attempt": 2,
		"device":  "plug",
	})

	var event Event
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("Failed to parse log output as JSON: %v\nOutput: %s", err, buf.String())
	}

	if event.Level != LevelInfo {
		t.Errorf("Expected level %s, got %s", LevelInfo, event.Level)
	}
	if event.Type != "power.reading.failed" {
		t.Errorf("Expected type 'power.reading.failed', got %s", event.Type)
	}
	if event.Payload["device"] != "plug" {
		t.Errorf("Expected payload device 'plug', got %v", event.Payload["device"])
	}
	if event.Timestamp == "" {
		t.Error("Expected timestamp to be set")
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(LevelDebug, FormatText, &buf)
	logger.now = func() time.Time { return time.Date(2024, 7, 22, 12, 0, 0, 0, time.UTC) }

	logger.Warn("window.substituted", "Window replaced", map[string]interface{}{
		"reason": "start in past",
		"bucket": "energy_consumptions",
	})

	got := strings.TrimSpace(buf.String())
	want := "2024-07-22T12:00:00Z WARN  window.substituted Window replaced bucket=energy_consumptions reason=start in past"
	if got != want {
		t.Errorf("text line = %q, want %q", got, want)
	}
}

func TestLogger_NilIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info("noop", "must not panic", nil)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"DEBUG", LevelDebug, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"trace", "", true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "vmenergy.log")

	logger, err := FromConfig("warn", "text", logPath)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	logger.Info("campaign.started", "filtered", nil)
	logger.Warn("campaign.iteration.failed", "kept", nil)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if strings.Contains(string(content), "campaign.started") {
		t.Error("info event logged despite warn level")
	}
	if !strings.Contains(string(content), "WARN  campaign.iteration.failed kept") {
		t.Errorf("expected text formatted warn line, got %q", content)
	}

	if _, err := FromConfig("info", "xml", ""); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := FromConfig("loud", "json", ""); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewFileLogger_CreatesDirectory(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "app", "test.log")
	logger, err := NewFileLogger(LevelInfo, logPath)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Error("Log file was not created")
	}
}

func TestFileLogger_LevelFiltering(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	logger, err := NewFileLogger(LevelWarn, logPath)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}

	logger.Debug("test.debug", "Debug message", nil)
	logger.Info("test.info", "Info message", nil)
	logger.Warn("test.warn", "Warn message", nil)
	logger.Error("test.error", "Error message", nil)

	if closeErr := logger.Close(); closeErr != nil {
		t.Fatalf("Failed to close logger: %v", closeErr)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	contentStr := string(content)

	if strings.Contains(contentStr, "test.debug") || strings.Contains(contentStr, "test.info") {
		t.Error("Event below LevelWarn was logged")
	}
	if !strings.Contains(contentStr, "test.warn") || !strings.Contains(contentStr, "test.error") {
		t.Error("Expected warn and error events")
	}
}

func TestFileLogger_Append(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	for _, eventType := range []string{"test.first", "test.second"} {
		logger, err := NewFileLogger(LevelInfo, logPath)
		if err != nil {
			t.Fatalf("Failed to create file logger: %v", err)
		}
		logger.Info(eventType, "message", nil)
		if closeErr := logger.Close(); closeErr != nil {
			t.Fatalf("Failed to close logger: %v", closeErr)
		}
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "test.first") || !strings.Contains(string(content), "test.second") {
		t.Errorf("Expected both events to be appended, got %q", content)
	}
}
