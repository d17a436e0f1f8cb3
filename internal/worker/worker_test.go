package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/andresmejia3/softteacher/internal/detector"
	"github.com/andresmejia3/softteacher/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func writeFrame(w io.Writer, body []byte) {
	binary.Write(w, binary.BigEndian, uint32(len(body)))
	w.Write(body)
}

func readFrame(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	body := make([]byte, n)
	_, err := io.ReadFull(r, body)
	return body, err
}

// fakePython answers every request with handle(req) until stdin closes.
func fakePython(t *testing.T, handle func(req request, raw map[string]any) response) *PythonWorker {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	dataR, dataW := io.Pipe()

	go func() {
		defer dataW.Close()
		for {
			body, err := readFrame(stdinR)
			if err != nil {
				return
			}
			var req request
			var raw map[string]any
			if msgpack.Unmarshal(body, &req) != nil || msgpack.Unmarshal(body, &raw) != nil {
				return
			}
			resp := handle(req, raw)
			resp.ID = req.ID
			out, _ := msgpack.Marshal(&resp)
			writeFrame(dataW, out)
		}
	}()

	w := &PythonWorker{ID: 1, Stdin: stdinW, DataPipe: dataR}
	t.Cleanup(w.Close)
	return w
}

func mustRaw(t *testing.T, v any) msgpack.RawMessage {
	t.Helper()
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCommunicate(t *testing.T) {
	// stdinMock simulates the pipe TO Python (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// dataPipeMock simulates the pipe FROM Python (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	reply := []byte{0xCA, 0xFE}
	writeFrame(dataPipeMock, reply)

	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	input := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	resp, err := w.Communicate(input)
	if err != nil {
		t.Fatalf("Communicate failed: %v", err)
	}

	// Expect 4 bytes header + 4 bytes data
	if sent := stdinMock.Bytes(); len(sent) != 4+len(input) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(input), len(sent))
	}
	if !bytes.Equal(resp, reply) {
		t.Errorf("Expected %X, got %X", reply, resp)
	}
}

func TestCommunicate_ChildDied(t *testing.T) {
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	if _, err := w.Communicate([]byte("x")); err == nil {
		t.Fatal("Expected error on empty data pipe, got nil")
	}
}

func TestCall_MismatchedID(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	out, _ := msgpack.Marshal(&response{ID: "stale", OK: true})
	writeFrame(dataPipeMock, out)

	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	err := w.Call(context.Background(), "student", "release", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "stale") {
		t.Fatalf("Expected id mismatch error, got %v", err)
	}
}

func TestCall_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	w := fakePython(t, func(req request, _ map[string]any) response {
		return response{OK: false, Error: errMsg}
	})

	err := w.Call(context.Background(), "teacher", "extract_feat", nil, nil)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestCall_CancelledContext(t *testing.T) {
	w := &PythonWorker{ID: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Call(ctx, "student", "release", nil, nil); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestBackend_RoutesRoleAndDecodes(t *testing.T) {
	var gotRoles, gotMethods []string
	w := fakePython(t, func(req request, raw map[string]any) response {
		gotRoles = append(gotRoles, req.Role)
		gotMethods = append(gotMethods, req.Method)
		switch req.Method {
		case "extract_feat":
			return response{OK: true, Result: mustRaw(t, detector.FeatureMap{ID: "feat-1", Images: 2})}
		case "projector":
			return response{OK: true, Result: mustRaw(t, detector.Embedding{ID: "emb-1", Rows: [][]float64{{0.5, 0.25}}})}
		case "assign_and_sample":
			return response{OK: true, Result: mustRaw(t, types.SamplingResult{
				PosBoxes:      []types.Box{{X2: 1, Y2: 1}},
				PosAssignedGT: []int{0},
				PosGTLabels:   []int{4},
			})}
		}
		return response{OK: true}
	})
	ctx := context.Background()

	teacher := NewBackend(w, detector.Teacher, true)
	fm, err := teacher.ExtractFeatures(ctx, []types.ImageRef{"a.jpg", "b.jpg"})
	if err != nil {
		t.Fatalf("ExtractFeatures failed: %v", err)
	}
	if fm.ID != "feat-1" || fm.Images != 2 {
		t.Errorf("unexpected feature map %+v", fm)
	}

	student := NewBackend(w, detector.Student, true)
	emb, err := student.Project(ctx, [][]float64{{1, 2, 3}})
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	// Use epsilon for float comparison
	if math.Abs(emb.Rows[0][0]-0.5) > 1e-9 {
		t.Errorf("Expected row[0][0] approx 0.5, got %f", emb.Rows[0][0])
	}

	sr, err := student.Assign(ctx, types.Detections{}, types.Detections{})
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if sr.PosGTLabels[0] != 4 {
		t.Errorf("unexpected sampling result %+v", sr)
	}

	if err := student.BackwardEmbedding(ctx, emb, [][]float64{{0.1, 0.2}}); err != nil {
		t.Fatalf("BackwardEmbedding failed: %v", err)
	}

	wantRoles := []string{"teacher", "student", "student", "student"}
	wantMethods := []string{"extract_feat", "projector", "assign_and_sample", "backward_embedding"}
	for i := range wantRoles {
		if gotRoles[i] != wantRoles[i] || gotMethods[i] != wantMethods[i] {
			t.Errorf("call %d = %s/%s, want %s/%s", i, gotRoles[i], gotMethods[i], wantRoles[i], wantMethods[i])
		}
	}
}

func TestBackend_AssignRejectsMisaligned(t *testing.T) {
	w := fakePython(t, func(req request, _ map[string]any) response {
		return response{OK: true, Result: mustRaw(t, types.SamplingResult{
			PosBoxes:      []types.Box{{}, {}},
			PosAssignedGT: []int{0},
			PosGTLabels:   []int{0, 1},
		})}
	})
	_, err := NewBackend(w, detector.Student, true).Assign(context.Background(), types.Detections{}, types.Detections{})
	if err == nil {
		t.Fatal("Expected misaligned sampling result to fail")
	}
}
