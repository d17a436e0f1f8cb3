// Package checkpoint reads and writes training state as msgpack files.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/softteacher/internal/queue"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// Version is written into every checkpoint.
	Version = 2

	QueueVectorKey = "queue_vector"
	QueuePtrKey    = "queue_ptr"
)

// ErrMissingKey is returned when a required tensor is absent.
var ErrMissingKey = errors.New("checkpoint key missing")

// Tensor is a dense row-major array.
type Tensor struct {
	Shape []int     `msgpack:"shape"`
	Data  []float64 `msgpack:"data"`
}

// Numel returns the element count implied by Shape.
func (t Tensor) Numel() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

// StateDict maps dotted parameter names to tensors.
type StateDict map[string]Tensor

// Keys returns the names sorted.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PutQueue stores the memory bank and cursor.
func (sd StateDict) PutQueue(s queue.State) {
	sd[QueueVectorKey] = Tensor{Shape: []int{s.K, s.Dim}, Data: s.Data}
	sd[QueuePtrKey] = Tensor{Shape: []int{1}, Data: []float64{float64(s.Ptr)}}
}

// Queue reads the memory bank and cursor back.
func (sd StateDict) Queue() (queue.State, error) {
	vec, ok := sd[QueueVectorKey]
	if !ok {
		return queue.State{}, fmt.Errorf("%w: %s", ErrMissingKey, QueueVectorKey)
	}
	ptr, ok := sd[QueuePtrKey]
	if !ok || len(ptr.Data) != 1 {
		return queue.State{}, fmt.Errorf("%w: %s", ErrMissingKey, QueuePtrKey)
	}
	if len(vec.Shape) != 2 || vec.Numel() != len(vec.Data) {
		return queue.State{}, fmt.Errorf("%s has shape %v and %d values", QueueVectorKey, vec.Shape, len(vec.Data))
	}
	return queue.State{K: vec.Shape[0], Dim: vec.Shape[1], Ptr: int(ptr.Data[0]), Data: vec.Data}, nil
}

// Checkpoint is the on-disk training state.
type Checkpoint struct {
	Version int               `msgpack:"version"`
	Step    int64             `msgpack:"step"`
	Meta    map[string]string `msgpack:"meta,omitempty"`
	State   StateDict         `msgpack:"state_dict"`
}

// Save writes ck to path atomically.
func Save(path string, ck *Checkpoint) error {
	if ck.Version == 0 {
		ck.Version = Version
	}
	data, err := msgpack.Marshal(ck)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a checkpoint. Single-model state dicts are migrated on the way
// in; see Migrate.
func Load(path string) (*Checkpoint, error) {
	ck, err := Read(path)
	if err != nil {
		return nil, err
	}
	ck.State, _ = Migrate(ck.State)
	return ck, nil
}

// Read decodes a checkpoint as stored, without migration.
func Read(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ck Checkpoint
	if err := msgpack.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if ck.State == nil {
		ck.State = StateDict{}
	}
	return &ck, nil
}

// Migrate upgrades a state dict saved by a plain detector. When no key
// mentions "student" or "teacher", every entry is duplicated under the
// "teacher." and "student." prefixes and the originals are dropped. The second
// return value reports whether anything changed. The queue buffers belong to
// the training module itself and are never prefixed.
func Migrate(sd StateDict) (StateDict, bool) {
	models := 0
	for k := range sd {
		if strings.Contains(k, "student") || strings.Contains(k, "teacher") {
			return sd, false
		}
		if !isQueueKey(k) {
			models++
		}
	}
	if models == 0 {
		return sd, false
	}
	out := make(StateDict, 2*len(sd))
	for k, v := range sd {
		if isQueueKey(k) {
			out[k] = v
			continue
		}
		out["teacher."+k] = v
		out["student."+k] = Tensor{Shape: append([]int{}, v.Shape...), Data: append([]float64{}, v.Data...)}
	}
	return out, true
}

func isQueueKey(k string) bool {
	return k == QueueVectorKey || k == QueuePtrKey
}
