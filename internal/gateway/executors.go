package gateway

import (
	"context"
	"sync"

	"github.com/basket/gridmind/internal/broker"
	"github.com/basket/gridmind/internal/provider"
)

// ExecutorPool tracks connected executor clients and the tools they
// declared. It feeds the broker's broadcast path and the provider's tool
// catalog.
type ExecutorPool struct {
	mu        sync.RWMutex
	executors map[*client][]provider.ToolSpec
}

func NewExecutorPool() *ExecutorPool {
	return &ExecutorPool{executors: make(map[*client][]provider.ToolSpec)}
}

// Add registers or replaces the tool set of an executor connection.
func (p *ExecutorPool) Add(c *client, tools []provider.ToolSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executors[c] = tools
}

// Remove drops the connection and returns tool names no longer declared
// by any remaining executor, so their schemas can be unregistered.
func (p *ExecutorPool) Remove(c *client) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	tools, ok := p.executors[c]
	if !ok {
		return nil
	}
	delete(p.executors, c)

	still := make(map[string]bool)
	for _, specs := range p.executors {
		for _, spec := range specs {
			still[spec.Name] = true
		}
	}
	var orphaned []string
	for _, spec := range tools {
		if !still[spec.Name] {
			orphaned = append(orphaned, spec.Name)
		}
	}
	return orphaned
}

// Count returns the number of connected executors.
func (p *ExecutorPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.executors)
}

// Tools returns the current catalog, deduplicated by name. First
// declaration wins on conflict.
func (p *ExecutorPool) Tools() []provider.ToolSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[string]bool)
	var out []provider.ToolSpec
	for _, specs := range p.executors {
		for _, spec := range specs {
			if seen[spec.Name] {
				continue
			}
			seen[spec.Name] = true
			out = append(out, spec)
		}
	}
	return out
}

// Broadcast sends the tool request to every executor that declared the
// tool. The first tool.result back wins; the broker discards the rest.
func (p *ExecutorPool) Broadcast(ctx context.Context, req broker.Request) error {
	p.mu.RLock()
	var targets []*client
	for c, specs := range p.executors {
		for _, spec := range specs {
			if spec.Name == req.Name {
				targets = append(targets, c)
				break
			}
		}
	}
	p.mu.RUnlock()

	if len(targets) == 0 {
		return broker.ErrNoExecutor
	}
	params := map[string]any{
		"call_id": req.CallID,
		"name":    req.Name,
		"input":   string(req.Input),
	}
	for _, c := range targets {
		c.Notify(ctx, "tool.request", params)
	}
	return nil
}
