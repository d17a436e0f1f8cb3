package utils

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs).
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// CrashLogs returns whatever the child wrote to stderr, or "" for a nil command.
func (s *SafeCommand) CrashLogs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// Die is the unified exit strategy for the CLI.
// It prints a formatted error box and dumps Python logs if a SafeCommand is provided.
func Die(context string, err error, s *SafeCommand) {
	writeError(os.Stderr, context, err, s)
	os.Exit(1)
}

func writeError(w io.Writer, context string, err error, s *SafeCommand) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 SOFTTEACHER ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if logs := s.CrashLogs(); logs != "" {
		fmt.Fprintf(w, "\nPYTHON CRASH LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}
