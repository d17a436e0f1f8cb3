package utils

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestSafeCommand_CapturesStderr(t *testing.T) {
	cmd := NewSafeCommand("sh", "-c", "echo 'ModuleNotFoundError: torch' >&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("Expected non-zero exit")
	}
	if !strings.Contains(cmd.CrashLogs(), "ModuleNotFoundError") {
		t.Errorf("Expected captured stderr, got %q", cmd.CrashLogs())
	}
}

func TestCrashLogs_NilCommand(t *testing.T) {
	var s *SafeCommand
	if s.CrashLogs() != "" {
		t.Error("Expected empty logs for nil command")
	}
}

func TestWriteError(t *testing.T) {
	s := NewSafeCommand("true")
	s.Stderr.WriteString("Traceback (most recent call last)")

	var buf bytes.Buffer
	writeError(&buf, "Rank 1 failed", errors.New("broken pipe"), s)
	out := buf.String()
	for _, want := range []string{"SOFTTEACHER ERROR: Rank 1 failed", "DETAILS: broken pipe", "PYTHON CRASH LOGS", "Traceback"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	writeError(&buf, "Invalid flags", nil, nil)
	if strings.Contains(buf.String(), "DETAILS") || strings.Contains(buf.String(), "PYTHON") {
		t.Errorf("Unexpected sections:\n%s", buf.String())
	}
}
