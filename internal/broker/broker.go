// Package broker correlates tool calls dispatched over the shared channel
// with the results executors send back. Each in-flight call is one entry
// in the pending map, keyed by correlation id; results arriving after the
// deadline are dropped silently.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/gridmind/internal/schema"
)

var (
	// ErrNoExecutor is returned immediately when no executor is connected.
	ErrNoExecutor = errors.New("no executor connected")
	// ErrTimeout is returned when no result arrives within the deadline.
	ErrTimeout = errors.New("tool call timed out")
)

// Request is the payload broadcast to every executor connection.
type Request struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
}

// ExecutorPool is the broadcast surface the gateway provides.
type ExecutorPool interface {
	Count() int
	Broadcast(ctx context.Context, req Request) error
}

type result struct {
	output json.RawMessage
	errMsg string
}

// Broker dispatches tool calls and awaits their correlated results.
type Broker struct {
	pool    ExecutorPool
	schemas *schema.Registry
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan result
}

func New(pool ExecutorPool, schemas *schema.Registry, timeout time.Duration, logger *slog.Logger) *Broker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		pool:    pool,
		schemas: schemas,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]chan result),
	}
}

// Pending returns the number of in-flight calls.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Invoke validates the input, broadcasts the call to all executors and
// blocks until a result arrives, the deadline passes, or ctx is done.
// Concurrent invokes are independent; no ordering is guaranteed.
func (b *Broker) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	if b.schemas != nil {
		if err := b.schemas.Validate(name, input); err != nil {
			return nil, err
		}
	}
	if b.pool.Count() == 0 {
		return nil, ErrNoExecutor
	}

	callID := uuid.NewString()
	ch := make(chan result, 1)
	b.mu.Lock()
	b.pending[callID] = ch
	b.mu.Unlock()

	req := Request{CallID: callID, Name: name, Input: input}
	if err := b.pool.Broadcast(ctx, req); err != nil {
		b.remove(callID)
		return nil, fmt.Errorf("broadcast tool call: %w", err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		b.remove(callID)
		if res.errMsg != "" {
			return nil, errors.New(res.errMsg)
		}
		return res.output, nil
	case <-timer.C:
		b.remove(callID)
		b.logger.Warn("tool call timed out", "call_id", callID, "tool", name, "timeout", b.timeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		b.remove(callID)
		return nil, ctx.Err()
	}
}

// Resolve delivers a result for a pending call. Returns false when the
// correlation id is unknown (late or duplicate response); such responses
// are dropped without error.
func (b *Broker) Resolve(callID string, output json.RawMessage, errMsg string) bool {
	b.mu.Lock()
	ch, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("dropping result for unknown call", "call_id", callID)
		return false
	}
	ch <- result{output: output, errMsg: errMsg}
	return true
}

func (b *Broker) remove(callID string) {
	b.mu.Lock()
	delete(b.pending, callID)
	b.mu.Unlock()
}
