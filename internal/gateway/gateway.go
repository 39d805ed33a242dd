// Package gateway exposes the daemon over a WebSocket JSON-RPC 2.0
// endpoint. Clients drive turns and receive streamed notifications;
// executor processes register tools on the same endpoint and receive
// broadcast tool requests.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/gridmind/internal/broker"
	"github.com/basket/gridmind/internal/bus"
	"github.com/basket/gridmind/internal/orchestrator"
	"github.com/basket/gridmind/internal/otel"
	"github.com/basket/gridmind/internal/persistence"
	"github.com/basket/gridmind/internal/provider"
	"github.com/basket/gridmind/internal/schema"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid          = 1000
	ErrCodeNotFound         = 1004
	ErrCodeTurnActive       = 1009
	ErrCodeNothingToCompact = 1010
	ErrCodeLLM              = 4000
)

type Config struct {
	Store        *persistence.Store
	Orchestrator *orchestrator.Orchestrator
	Broker       *broker.Broker
	Schemas      *schema.Registry
	Pool         *ExecutorPool
	Bus          *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in system.status.
	ConfigFingerprint string

	Tracer trace.Tracer
}

type Server struct {
	cfg       Config
	tracer    trace.Tracer
	startedAt time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn

	mu         sync.Mutex
	handshaken bool

	subMu     sync.Mutex
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("gridmind")
	}
	return &Server{
		cfg:       cfg,
		tracer:    tracer,
		startedAt: time.Now(),
		clients:   map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/stream", s.handleConversationStream)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	if _, err := s.cfg.Store.ListConversations(ctx, 1); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"active_turns":   s.cfg.Orchestrator.Registry().ActiveCount(),
		"executor_count": s.cfg.Pool.Count(),
		"config_hash":    s.cfg.ConfigFingerprint,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	s.clientsMu.RLock()
	connected := len(s.clients)
	s.clientsMu.RUnlock()

	payload := map[string]any{
		"active_turns":       s.cfg.Orchestrator.Registry().ActiveCount(),
		"pending_tool_calls": s.cfg.Broker.Pending(),
		"executor_count":     s.cfg.Pool.Count(),
		"connected_clients":  connected,
		"alloc_bytes":        mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}
	s.addClient(c)
	slog.Info("ws: client connected", "conn_id", c.id)
	defer func() {
		s.removeClient(c)
		slog.Info("ws: client disconnecting", "conn_id", c.id)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			slog.Debug("ws: read error, closing", "conn_id", c.id, "error", err)
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			slog.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func isMutatingMethod(method string) bool {
	switch method {
	case "turn.start", "turn.stop", "conversation.compact", "conversation.delete",
		"executor.hello", "tool.result":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	var result any
	var rpcErr *rpcError

	ctx, span := otel.StartServerSpan(ctx, s.tracer, "rpc."+req.Method)
	defer span.End()

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		result = map[string]any{
			"protocol":      "gridmind",
			"version":       "1.0",
			"supported_min": "1.0",
			"supported_max": "1.0",
		}
	case "turn.start":
		var p struct {
			ConversationID string `json:"conversation_id"`
			Text           string `json:"text"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || strings.TrimSpace(p.Text) == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "text must be non-empty"}
			break
		}
		convID, streamID, err := s.cfg.Orchestrator.StartTurn(ctx, c, c.id, p.ConversationID, p.Text)
		if err != nil {
			rpcErr = mapTurnStartError(err)
			break
		}
		slog.Info("ws: turn started", "conn_id", c.id, "conversation_id", convID, "stream_id", streamID)
		result = map[string]any{"conversation_id": convID, "stream_id": streamID}
	case "turn.stop":
		stopped := s.cfg.Orchestrator.Registry().RequestStop(c.id, "user requested")
		result = map[string]any{"stopped": stopped}
	case "conversation.list":
		var p struct {
			Limit int `json:"limit"`
		}
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &p)
		}
		convs, err := s.cfg.Store.ListConversations(ctx, p.Limit)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"conversations": convs}
	case "conversation.history":
		var p struct {
			ConversationID string `json:"conversation_id"`
			SinceSummary   bool   `json:"since_summary"`
			Limit          int    `json:"limit"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ConversationID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "conversation_id required"}
			break
		}
		var msgs []persistence.Message
		var err error
		if p.SinceSummary {
			msgs, err = s.cfg.Store.MessagesSinceSummary(ctx, p.ConversationID)
		} else {
			msgs, err = s.cfg.Store.ListMessages(ctx, p.ConversationID, p.Limit)
		}
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			break
		}
		result = map[string]any{"messages": msgs}
	case "conversation.compact":
		var p struct {
			ConversationID string `json:"conversation_id"`
			KeepRecent     int    `json:"keep_recent"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ConversationID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "conversation_id required"}
			break
		}
		summarized, err := s.cfg.Orchestrator.Compactor().Compact(ctx, p.ConversationID, p.KeepRecent)
		if err != nil {
			if errors.Is(err, orchestrator.ErrNothingToCompact) {
				rpcErr = &rpcError{Code: ErrCodeNothingToCompact, Message: "nothing to compact"}
			} else {
				rpcErr = &rpcError{Code: ErrCodeLLM, Message: err.Error()}
			}
			break
		}
		result = map[string]any{"summarized": summarized}
	case "conversation.delete":
		var p struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ConversationID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "conversation_id required"}
			break
		}
		if err := s.cfg.Store.DeleteConversation(ctx, p.ConversationID); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				rpcErr = &rpcError{Code: ErrCodeNotFound, Message: "conversation not found"}
			} else {
				rpcErr = &rpcError{Code: ErrCodeInternal, Message: err.Error()}
			}
			break
		}
		result = map[string]any{"deleted": true}
	case "events.subscribe":
		var p struct {
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		prefix := ""
		if len(p.Topics) == 1 {
			prefix = p.Topics[0]
		}
		s.subscribeClient(c, prefix, p.Topics)
		result = map[string]any{"subscribed": true}
	case "executor.hello":
		var p struct {
			Tools []struct {
				Name        string         `json:"name"`
				Description string         `json:"description"`
				InputSchema map[string]any `json:"input_schema"`
			} `json:"tools"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || len(p.Tools) == 0 {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "tools required"}
			break
		}
		specs := make([]provider.ToolSpec, 0, len(p.Tools))
		for _, t := range p.Tools {
			if t.Name == "" {
				continue
			}
			specs = append(specs, provider.ToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Schema:      t.InputSchema,
			})
			if t.InputSchema != nil {
				if err := s.cfg.Schemas.Register(t.Name, t.InputSchema); err != nil {
					slog.Warn("ws: tool schema rejected", "tool", t.Name, "error", err)
				}
			}
		}
		if len(specs) == 0 {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "tools required"}
			break
		}
		s.cfg.Pool.Add(c, specs)
		slog.Info("ws: executor registered", "conn_id", c.id, "tools", len(specs))
		result = map[string]any{"registered": len(specs)}
	case "tool.result":
		var p struct {
			CallID string `json:"call_id"`
			Output string `json:"output"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.CallID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "call_id required"}
			break
		}
		accepted := s.cfg.Broker.Resolve(p.CallID, json.RawMessage(p.Output), p.Error)
		result = map[string]any{"accepted": accepted}
	case "system.status":
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		result = map[string]any{
			"healthy":        true,
			"active_turns":   s.cfg.Orchestrator.Registry().ActiveCount(),
			"executor_count": s.cfg.Pool.Count(),
			"tools":          toolNames(s.cfg.Pool.Tools()),
			"config_hash":    s.cfg.ConfigFingerprint,
			"memory_alloc":   mem.Alloc,
			"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
			"time_unix":      time.Now().Unix(),
		}
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func mapTurnStartError(err error) *rpcError {
	switch {
	case errors.Is(err, orchestrator.ErrTurnActive):
		return &rpcError{Code: ErrCodeTurnActive, Message: "turn already active on this connection"}
	case errors.Is(err, persistence.ErrNotFound):
		return &rpcError{Code: ErrCodeNotFound, Message: "conversation not found"}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func toolNames(specs []provider.ToolSpec) []string {
	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}
	return names
}

// Notify implements the orchestrator's notifier: server-to-client
// notifications carry a method and params but no id.
func (c *client) Notify(ctx context.Context, method string, params any) {
	if err := c.write(ctx, rpcResponse{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
		slog.Debug("ws: notify failed", "conn_id", c.id, "method", method, "error", err)
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

// removeClient tears down everything tied to the connection: its bus
// subscription, its executor registration and its in-flight turn.
func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	if removed := s.cfg.Pool.Remove(c); len(removed) > 0 {
		s.cfg.Schemas.Unregister(removed...)
	}
	s.cfg.Orchestrator.Registry().OnDisconnect(c.id)

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// subscribeClient starts a bus listener that forwards matching events to
// the client as "event" notifications. Resubscribing replaces the filter.
func (s *Server) subscribeClient(c *client, prefix string, topics []string) {
	if s.cfg.Bus == nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}

	c.busSub = s.cfg.Bus.Subscribe(prefix)
	var busCtx context.Context
	busCtx, c.busCancel = context.WithCancel(context.Background())
	go s.forwardBusEvents(busCtx, c, c.busSub, topics)
}

func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription, topics []string) {
	match := func(topic string) bool {
		if len(topics) == 0 {
			return true
		}
		for _, t := range topics {
			if strings.HasPrefix(topic, t) {
				return true
			}
		}
		return false
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !match(ev.Topic) {
				continue
			}
			_ = c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "event",
				Params:  map[string]any{"topic": ev.Topic, "payload": ev.Payload},
			})
		}
	}
}
