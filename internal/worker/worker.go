// Package worker runs the detector network in a Python child process.
//
// Requests go to the child's stdin and responses come back on a dedicated
// pipe (FD 3), so anything the framework prints to stdout or stderr never
// corrupts the stream. Every message is a 4-byte big-endian length followed by
// a msgpack body.
package worker

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/softteacher/internal/utils" // Using the SafeCommand wrapper
)

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	// one request in flight at a time; the protocol has no multiplexing
	mu sync.Mutex
}

// NewPythonWorker starts `python -u script args...` with the FD 3 data pipe
// attached.
func NewPythonWorker(id int, python, script string, args ...string) (*PythonWorker, error) {
	py := utils.NewSafeCommand(python, append([]string{"-u", script}, args...)...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one frame and blocks for the reply frame.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // the child died, e.g. ModuleNotFoundError on import
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Close shuts the pipes and waits for the child to exit.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
