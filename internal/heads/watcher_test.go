package heads

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func headNotification(number uint64) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xabc","result":{"number":"0x%x","hash":"0x01"}}}`, number))
}

// newHeadServer answers the subscribe request and then emits one head per
// connection, numbered by connection order. The first connection is closed
// after its head so the watcher has to reconnect.
func newHeadServer(t *testing.T, subscribes chan<- map[string]any) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var conns atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		n := conns.Add(1)
		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(data, &req); err == nil {
			select {
			case subscribes <- req:
			default:
			}
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":"2.0","id":1,"result":"0xabc"}`)); err != nil {
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, headNotification(uint64(100+n))); err != nil {
			return
		}
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	return server, &conns
}

func TestWatcherSubscribesAndWakes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	subscribes := make(chan map[string]any, 4)
	server, _ := newHeadServer(t, subscribes)
	defer server.Close()

	watcher := New("ws"+strings.TrimPrefix(server.URL, "http"), 10*time.Millisecond, 0, zap.NewNop())
	go func() { _ = watcher.Run(ctx) }()

	select {
	case req := <-subscribes:
		if req["method"] != "eth_subscribe" {
			t.Fatalf("expected eth_subscribe, got %v", req["method"])
		}
		params, _ := req["params"].([]any)
		if len(params) != 1 || params[0] != "newHeads" {
			t.Fatalf("expected newHeads param, got %v", req["params"])
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscribe")
	}
	select {
	case <-watcher.Wake():
	case <-ctx.Done():
		t.Fatalf("timed out waiting for wake")
	}
}

func TestWatcherReconnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	server, conns := newHeadServer(t, make(chan map[string]any, 4))
	defer server.Close()

	watcher := New("ws"+strings.TrimPrefix(server.URL, "http"), 10*time.Millisecond, 0, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	for watcher.Head() != 102 {
		select {
		case <-watcher.Wake():
		case <-ctx.Done():
			t.Fatalf("expected head 102 after reconnect, got %d", watcher.Head())
		}
	}
	if conns.Load() < 2 {
		t.Fatalf("expected at least 2 connections, got %d", conns.Load())
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestHandleRejectsSubscribeError(t *testing.T) {
	watcher := New("ws://unused", time.Millisecond, 0, zap.NewNop())
	err := watcher.handle([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	if err == nil || !strings.Contains(err.Error(), "method not found") {
		t.Fatalf("expected subscribe error, got %v", err)
	}
}

func TestHandleCoalescesWakes(t *testing.T) {
	watcher := New("ws://unused", time.Millisecond, 0, zap.NewNop())
	for _, n := range []uint64{5, 6, 7} {
		if err := watcher.handle(headNotification(n)); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if watcher.Head() != 7 {
		t.Fatalf("expected head 7, got %d", watcher.Head())
	}
	if len(watcher.wake) != 1 {
		t.Fatalf("expected one pending wake, got %d", len(watcher.wake))
	}
}

func TestParseQuantity(t *testing.T) {
	if n, err := parseQuantity("0x1b4"); err != nil || n != 436 {
		t.Fatalf("expected 436, got %d %v", n, err)
	}
	if _, err := parseQuantity("1b4"); err == nil {
		t.Fatalf("expected error for missing prefix")
	}
}
