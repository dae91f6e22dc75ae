package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextOutputIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	Info("block committed", "stream", uint64(7), "bytes", 1024)

	out := buf.String()
	if !strings.Contains(out, "block committed") {
		t.Errorf("message missing from output: %q", out)
	}
	if !strings.Contains(out, "stream=7") || !strings.Contains(out, "bytes=1024") {
		t.Errorf("fields missing from output: %q", out)
	}
	if !strings.Contains(out, "[INFO]") {
		t.Errorf("level missing from output: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text", false)

	Debug("hidden")
	Info("also hidden")
	Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("suppressed levels leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn output missing: %q", out)
	}

	// Restore for other tests.
	SetLevel("INFO")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)
	defer SetFormat("text")

	Info("structured", "offset", int64(42))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %q", err, buf.String())
	}
	if entry["msg"] != "structured" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["offset"] != float64(42) {
		t.Errorf("offset = %v", entry["offset"])
	}
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	SetLevel("INFO")
	SetLevel("NOISY")
	if got := Level(currentLevel.Load()); got != LevelInfo {
		t.Errorf("level = %v, want INFO after invalid SetLevel", got)
	}
}

func TestFieldHelpers(t *testing.T) {
	if Stream(5).Key != KeyStream {
		t.Error("Stream key mismatch")
	}
	if Err(nil).Key != "" {
		t.Error("Err(nil) should produce an empty attr")
	}
}
