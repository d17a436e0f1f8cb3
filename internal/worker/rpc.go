package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

type request struct {
	ID     string `msgpack:"id"`
	Method string `msgpack:"method"`
	Role   string `msgpack:"role"`
	Params any    `msgpack:"params"`
}

type response struct {
	ID     string             `msgpack:"id"`
	OK     bool               `msgpack:"ok"`
	Error  string             `msgpack:"error,omitempty"`
	Result msgpack.RawMessage `msgpack:"result,omitempty"`
}

// Call sends method with params to the detector playing role and decodes the
// reply into result (which may be nil).
func (w *PythonWorker) Call(ctx context.Context, role, method string, params, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := uuid.NewString()
	body, err := msgpack.Marshal(&request{ID: id, Method: method, Role: role, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	raw, err := w.Communicate(body)
	if err != nil {
		return fmt.Errorf("worker %d %s: %w", w.ID, method, err)
	}

	var resp response
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.ID != id {
		return fmt.Errorf("worker %d answered request %s, expected %s", w.ID, resp.ID, id)
	}
	if !resp.OK {
		return fmt.Errorf("python worker error: %s", resp.Error)
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
