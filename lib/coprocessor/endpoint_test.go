package coprocessor

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/flame4/tikv/rpc/common"
)

func await(t *testing.T, h *Host, req *common.CopRequest) *common.CopResponse {
	t.Helper()
	done := make(chan *common.CopResponse, 1)
	if err := h.Handle(req, func(resp *common.CopResponse) { done <- resp }); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	select {
	case resp := <-done:
		return resp
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for response")
		return nil
	}
}

// TestRegisteredExecutor routes a request to its executor and returns the
// payload it produced.
func TestRegisteredExecutor(t *testing.T) {
	h := NewHost(2)
	defer h.Close()

	h.Register(104, ExecutorFunc(func(req *common.CopRequest) ([]byte, error) {
		return append([]byte("echo:"), req.Data...), nil
	}))

	resp := await(t, h, &common.CopRequest{Tp: 104, Data: []byte("select")})
	if resp.OtherError != "" {
		t.Fatalf("unexpected error: %s", resp.OtherError)
	}
	if !bytes.Equal(resp.Data, []byte("echo:select")) {
		t.Fatalf("data = %q", resp.Data)
	}
}

// TestUnsupportedType responds with a textual error instead of failing the
// admission.
func TestUnsupportedType(t *testing.T) {
	h := NewHost(1)
	defer h.Close()

	resp := await(t, h, &common.CopRequest{Tp: 999})
	if resp.OtherError == "" {
		t.Fatal("expected an error for an unregistered type")
	}
}

// TestExecutorError maps an executor failure into the response body.
func TestExecutorError(t *testing.T) {
	h := NewHost(1)
	defer h.Close()

	h.Register(1, ExecutorFunc(func(*common.CopRequest) ([]byte, error) {
		return nil, errors.New("bad plan")
	}))

	resp := await(t, h, &common.CopRequest{Tp: 1})
	if resp.OtherError != "bad plan" {
		t.Fatalf("error = %q, want bad plan", resp.OtherError)
	}
}

// TestClosedHost rejects requests after shutdown.
func TestClosedHost(t *testing.T) {
	h := NewHost(1)
	h.Close()
	h.Close() // idempotent

	err := h.Handle(&common.CopRequest{Tp: 1}, func(*common.CopResponse) {
		t.Error("callback fired after close")
	})
	if !errors.Is(err, ErrEndpointClosed) {
		t.Fatalf("expected ErrEndpointClosed, got %v", err)
	}
}
