package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/gridmind/internal/broker"
	"github.com/basket/gridmind/internal/bus"
	"github.com/basket/gridmind/internal/orchestrator"
	"github.com/basket/gridmind/internal/persistence"
	"github.com/basket/gridmind/internal/schema"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gw.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pool := NewExecutorPool()
	schemas := schema.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := orchestrator.New(orchestrator.Config{
		Store:     store,
		Registry:  orchestrator.NewRegistry(),
		Compactor: orchestrator.NewCompactor(store, nil, "test-model", 5, logger),
		Logger:    logger,
	})
	return New(Config{
		Store:             store,
		Orchestrator:      orch,
		Broker:            broker.New(pool, schemas, time.Second, logger),
		Schemas:           schemas,
		Pool:              pool,
		Bus:               bus.New(),
		AuthToken:         "test-token",
		ConfigFingerprint: "cfg-test",
	})
}

func TestAuthorize(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name   string
		header string
		want   bool
	}{
		{"no header", "", false},
		{"wrong scheme", "Basic test-token", false},
		{"wrong token", "Bearer nope", false},
		{"empty bearer", "Bearer ", false},
		{"correct", "Bearer test-token", true},
		{"padded", "  Bearer test-token  ", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := s.authorize(r); got != tc.want {
				t.Errorf("authorize = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAuthorizeNoConfiguredToken(t *testing.T) {
	s := New(Config{})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer anything")
	if s.authorize(r) {
		t.Error("empty configured token must reject everything")
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["healthy"] != true || payload["db_ok"] != true {
		t.Errorf("payload: %v", payload)
	}
	if payload["config_hash"] != "cfg-test" {
		t.Errorf("config_hash = %v", payload["config_hash"])
	}
}

func TestMetricsRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"active_turns", "pending_tool_calls", "executor_count", "connected_clients"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("metrics missing %q", key)
		}
	}
}

func rawID(s string) json.RawMessage { return json.RawMessage(s) }

func TestHandleRPCInvalidRequest(t *testing.T) {
	s := newTestServer(t)
	c := &client{id: "conn-1"}

	resp := s.handleRPC(context.Background(), c, rpcRequest{JSONRPC: "1.0", ID: rawID("1"), Method: "system.hello"})
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeInvalidRequest {
		t.Fatalf("response: %+v", resp)
	}
	// A malformed notification gets no response at all.
	if resp := s.handleRPC(context.Background(), c, rpcRequest{JSONRPC: "1.0", Method: "x"}); resp != nil {
		t.Errorf("notification answered: %+v", resp)
	}
}

func TestHandleRPCMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	c := &client{id: "conn-1"}

	resp := s.handleRPC(context.Background(), c, rpcRequest{JSONRPC: "2.0", ID: rawID("7"), Method: "no.such.method"})
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("response: %+v", resp)
	}
}

func TestHandleRPCHandshakeGate(t *testing.T) {
	s := newTestServer(t)
	c := &client{id: "conn-1"}

	// Mutating before system.hello is rejected.
	resp := s.handleRPC(context.Background(), c, rpcRequest{
		JSONRPC: "2.0", ID: rawID("1"), Method: "turn.stop",
	})
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeInvalidRequest {
		t.Fatalf("pre-hello response: %+v", resp)
	}

	// Read-only methods pass without a handshake.
	resp = s.handleRPC(context.Background(), c, rpcRequest{
		JSONRPC: "2.0", ID: rawID("2"), Method: "conversation.list",
	})
	if resp == nil || resp.Error != nil {
		t.Fatalf("read-only pre-hello: %+v", resp)
	}

	hello := s.handleRPC(context.Background(), c, rpcRequest{
		JSONRPC: "2.0", ID: rawID("3"), Method: "system.hello",
	})
	if hello == nil || hello.Error != nil {
		t.Fatalf("hello: %+v", hello)
	}
	result := hello.Result.(map[string]any)
	if result["protocol"] != "gridmind" || result["version"] != "1.0" {
		t.Errorf("hello result: %v", result)
	}

	resp = s.handleRPC(context.Background(), c, rpcRequest{
		JSONRPC: "2.0", ID: rawID("4"), Method: "turn.stop",
	})
	if resp == nil || resp.Error != nil {
		t.Fatalf("post-hello turn.stop: %+v", resp)
	}
	if stopped := resp.Result.(map[string]any)["stopped"]; stopped != false {
		t.Errorf("stop with no turn = %v", stopped)
	}
}

func TestHandleRPCTurnStartValidation(t *testing.T) {
	s := newTestServer(t)
	c := &client{id: "conn-1"}
	c.markHandshaken()

	resp := s.handleRPC(context.Background(), c, rpcRequest{
		JSONRPC: "2.0", ID: rawID("1"), Method: "turn.start",
		Params: json.RawMessage(`{"text":"   "}`),
	})
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeInvalid {
		t.Fatalf("blank text response: %+v", resp)
	}

	resp = s.handleRPC(context.Background(), c, rpcRequest{
		JSONRPC: "2.0", ID: rawID("2"), Method: "turn.start",
		Params: json.RawMessage(`{"conversation_id":"ghost","text":"hi"}`),
	})
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeNotFound {
		t.Fatalf("unknown conversation response: %+v", resp)
	}
}

func TestHandleRPCConversationLifecycle(t *testing.T) {
	s := newTestServer(t)
	c := &client{id: "conn-1"}
	c.markHandshaken()
	ctx := context.Background()

	convID, err := s.cfg.Store.CreateConversation(ctx, "hello there")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.cfg.Store.AddMessage(ctx, convID, "user", "hello there", 2, persistence.AddMessageParams{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := s.handleRPC(ctx, c, rpcRequest{JSONRPC: "2.0", ID: rawID("1"), Method: "conversation.list"})
	if resp.Error != nil {
		t.Fatalf("list: %+v", resp.Error)
	}
	convs := resp.Result.(map[string]any)["conversations"].([]persistence.Conversation)
	if len(convs) != 1 || convs[0].ID != convID {
		t.Fatalf("conversations: %+v", convs)
	}

	params, _ := json.Marshal(map[string]any{"conversation_id": convID})
	resp = s.handleRPC(ctx, c, rpcRequest{JSONRPC: "2.0", ID: rawID("2"), Method: "conversation.history", Params: params})
	if resp.Error != nil {
		t.Fatalf("history: %+v", resp.Error)
	}
	msgs := resp.Result.(map[string]any)["messages"].([]persistence.Message)
	if len(msgs) != 1 || msgs[0].Content != "hello there" {
		t.Fatalf("messages: %+v", msgs)
	}

	// Compacting a two-line conversation has nothing to fold.
	resp = s.handleRPC(ctx, c, rpcRequest{JSONRPC: "2.0", ID: rawID("3"), Method: "conversation.compact", Params: params})
	if resp.Error == nil || resp.Error.Code != ErrCodeNothingToCompact {
		t.Fatalf("compact: %+v", resp)
	}

	resp = s.handleRPC(ctx, c, rpcRequest{JSONRPC: "2.0", ID: rawID("4"), Method: "conversation.delete", Params: params})
	if resp.Error != nil {
		t.Fatalf("delete: %+v", resp.Error)
	}
	resp = s.handleRPC(ctx, c, rpcRequest{JSONRPC: "2.0", ID: rawID("5"), Method: "conversation.delete", Params: params})
	if resp.Error == nil || resp.Error.Code != ErrCodeNotFound {
		t.Fatalf("double delete: %+v", resp)
	}
}

func TestHandleRPCExecutorHello(t *testing.T) {
	s := newTestServer(t)
	c := &client{id: "exec-1"}
	c.markHandshaken()

	resp := s.handleRPC(context.Background(), c, rpcRequest{
		JSONRPC: "2.0", ID: rawID("1"), Method: "executor.hello",
		Params: json.RawMessage(`{"tools":[
			{"name":"read_sensor","description":"Read a sensor.",
			 "input_schema":{"type":"object","required":["sensor"],
			                 "properties":{"sensor":{"type":"string"}}}}
		]}`),
	})
	if resp == nil || resp.Error != nil {
		t.Fatalf("hello: %+v", resp)
	}
	if s.cfg.Pool.Count() != 1 {
		t.Errorf("pool count = %d", s.cfg.Pool.Count())
	}
	// The declared schema is enforced from now on.
	if err := s.cfg.Schemas.Validate("read_sensor", json.RawMessage(`{}`)); err == nil {
		t.Error("schema not registered")
	}

	// No tools is an invalid hello.
	resp = s.handleRPC(context.Background(), c, rpcRequest{
		JSONRPC: "2.0", ID: rawID("2"), Method: "executor.hello",
		Params: json.RawMessage(`{"tools":[]}`),
	})
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalid {
		t.Fatalf("empty hello: %+v", resp)
	}
}

func TestHandleRPCToolResultUnknownCall(t *testing.T) {
	s := newTestServer(t)
	c := &client{id: "exec-1"}
	c.markHandshaken()

	resp := s.handleRPC(context.Background(), c, rpcRequest{
		JSONRPC: "2.0", ID: rawID("1"), Method: "tool.result",
		Params: json.RawMessage(`{"call_id":"never-issued","output":"{}"}`),
	})
	if resp == nil || resp.Error != nil {
		t.Fatalf("tool.result: %+v", resp)
	}
	if accepted := resp.Result.(map[string]any)["accepted"]; accepted != false {
		t.Errorf("unknown call accepted = %v", accepted)
	}
}

func TestHandleRPCSystemStatus(t *testing.T) {
	s := newTestServer(t)
	c := &client{id: "conn-1"}

	resp := s.handleRPC(context.Background(), c, rpcRequest{JSONRPC: "2.0", ID: rawID("1"), Method: "system.status"})
	if resp == nil || resp.Error != nil {
		t.Fatalf("status: %+v", resp)
	}
	result := resp.Result.(map[string]any)
	if result["healthy"] != true || result["config_hash"] != "cfg-test" {
		t.Errorf("status result: %v", result)
	}
}

func TestDecodeID(t *testing.T) {
	if id, ok := decodeID(nil); ok || id != nil {
		t.Errorf("nil id: %v %v", id, ok)
	}
	if id, ok := decodeID(json.RawMessage(`42`)); !ok || id != float64(42) {
		t.Errorf("numeric id: %v %v", id, ok)
	}
	if id, ok := decodeID(json.RawMessage(`"abc"`)); !ok || id != "abc" {
		t.Errorf("string id: %v %v", id, ok)
	}
	if _, ok := decodeID(json.RawMessage(`{broken`)); ok {
		t.Error("malformed id accepted")
	}
}

func TestIsMutatingMethod(t *testing.T) {
	for _, m := range []string{"turn.start", "turn.stop", "conversation.compact", "conversation.delete", "executor.hello", "tool.result"} {
		if !isMutatingMethod(m) {
			t.Errorf("%s should be gated", m)
		}
	}
	for _, m := range []string{"system.hello", "system.status", "conversation.list", "conversation.history", "events.subscribe"} {
		if isMutatingMethod(m) {
			t.Errorf("%s should not be gated", m)
		}
	}
}

func TestMapTurnStartError(t *testing.T) {
	if e := mapTurnStartError(orchestrator.ErrTurnActive); e.Code != ErrCodeTurnActive {
		t.Errorf("turn active -> %d", e.Code)
	}
	if e := mapTurnStartError(persistence.ErrNotFound); e.Code != ErrCodeNotFound {
		t.Errorf("not found -> %d", e.Code)
	}
	if e := mapTurnStartError(errors.New("boom")); e.Code != ErrCodeInternal {
		t.Errorf("other -> %d", e.Code)
	}
}
