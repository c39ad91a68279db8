package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler func(method string, params []interface{}) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result := handler(req.Method, req.Params)
		resultJSON, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		resp := rpcResponse{Result: resultJSON, ID: req.ID}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestClientGetBlockCount(t *testing.T) {
	srv := newTestServer(t, func(method string, params []interface{}) interface{} {
		if method != "getblockcount" {
			t.Fatalf("unexpected method %q", method)
		}
		return 101
	})
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass")
	n, err := c.GetBlockCount(context.Background())
	if err != nil {
		t.Fatalf("GetBlockCount: %v", err)
	}
	if n != 101 {
		t.Errorf("n = %d, want 101", n)
	}
}

func TestClientSubmitWork(t *testing.T) {
	srv := newTestServer(t, func(method string, params []interface{}) interface{} {
		if method != "getwork" || len(params) != 1 {
			t.Fatalf("unexpected call: %s %v", method, params)
		}
		return true
	})
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass")
	accepted, err := c.SubmitWork(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("SubmitWork: %v", err)
	}
	if !accepted {
		t.Error("expected accepted = true")
	}
}

func TestServiceFillsAndTakesWork(t *testing.T) {
	srv := newTestServer(t, func(method string, params []interface{}) interface{} {
		if method != "getwork" {
			t.Fatalf("unexpected method %q", method)
		}
		return map[string]string{"data": "x", "target": "y", "midstate": "", "hash1": ""}
	})
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass")

	var woken int32
	svc := NewService(c, 2, func() { atomic.AddInt32(&woken, 1) })
	svc.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !svc.HasWork() {
		time.Sleep(5 * time.Millisecond)
	}
	if !svc.HasWork() {
		t.Fatal("expected service to have work after Start")
	}

	tmpl, ok := svc.TakeWork(context.Background())
	if !ok {
		t.Fatal("expected TakeWork to succeed")
	}
	if tmpl.Data != "x" {
		t.Errorf("tmpl.Data = %q, want %q", tmpl.Data, "x")
	}
}

func TestServiceNotifyNewBlockResetsQueue(t *testing.T) {
	srv := newTestServer(t, func(method string, params []interface{}) interface{} {
		return map[string]string{"data": "x", "target": "y"}
	})
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass")
	svc := NewService(c, 1, nil)
	svc.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !svc.HasWork() {
		time.Sleep(5 * time.Millisecond)
	}

	svc.NotifyNewBlock(context.Background())

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !svc.HasWork() {
		time.Sleep(5 * time.Millisecond)
	}
	if !svc.HasWork() {
		t.Fatal("expected service to refill after NotifyNewBlock")
	}
}
