// Package orchestrator drives conversation turns: it streams model output
// to the requesting connection, dispatches tool calls through the broker,
// persists every finalized message and loops until the model ends the
// turn. Turns advance through an explicit state machine; there is no
// recursion between streaming and tool execution.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/gridmind/internal/bus"
	"github.com/basket/gridmind/internal/otel"
	"github.com/basket/gridmind/internal/persistence"
	"github.com/basket/gridmind/internal/pricing"
	"github.com/basket/gridmind/internal/provider"
	"github.com/basket/gridmind/internal/tokenutil"
)

const (
	// emptyToolTurnText stands in for assistant messages that carried
	// only tool calls, so the provider never sees an empty block.
	emptyToolTurnText = "(using tools)"

	// maxToolRounds bounds the streaming/tool-phase loop.
	maxToolRounds = 32

	// compactToolName is the model-invocable compaction tool.
	compactToolName = "compact_context"
)

type turnState int

const (
	stateStreaming turnState = iota
	stateToolPhase
	stateDone
	stateAborted
)

// Notifier delivers core-to-client notifications on one connection.
// Delivery is best effort; a dead peer is handled by the disconnect path.
type Notifier interface {
	Notify(ctx context.Context, method string, params any)
}

// ToolBroker dispatches one tool call and blocks for its result.
type ToolBroker interface {
	Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}

// ToolCatalog exposes the tools currently declared by connected executors.
type ToolCatalog interface {
	Tools() []provider.ToolSpec
}

// Config wires an Orchestrator.
type Config struct {
	Store        *persistence.Store
	Provider     provider.Provider
	Broker       ToolBroker
	Catalog      ToolCatalog
	Bus          *bus.Bus
	Registry     *Registry
	Compactor    *Compactor
	Limits       Limits
	Model        string
	MaxTokens    int
	SystemPrompt func() string
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
}

type Orchestrator struct {
	store     *persistence.Store
	provider  provider.Provider
	broker    ToolBroker
	catalog   ToolCatalog
	bus       *bus.Bus
	registry  *Registry
	compactor *Compactor
	limits    Limits
	model     string
	maxTokens int
	system    func() string
	logger    *slog.Logger
	metrics   *otel.Metrics
	tracer    trace.Tracer
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	system := cfg.SystemPrompt
	if system == nil {
		system = func() string { return "" }
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("gridmind")
	}
	return &Orchestrator{
		store:     cfg.Store,
		provider:  cfg.Provider,
		broker:    cfg.Broker,
		catalog:   cfg.Catalog,
		bus:       cfg.Bus,
		registry:  cfg.Registry,
		compactor: cfg.Compactor,
		limits:    cfg.Limits,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		system:    system,
		logger:    logger,
		metrics:   cfg.Metrics,
		tracer:    tracer,
	}
}

// Registry exposes the cancellation registry for the gateway's stop and
// disconnect paths.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Compactor exposes the compactor for the conversation.compact RPC.
func (o *Orchestrator) Compactor() *Compactor {
	return o.compactor
}

// StartTurn validates the request, persists the user message and launches
// the turn loop in the background. It returns the conversation and stream
// ids the gateway echoes back to the caller. A connection can hold only
// one turn at a time; a second start fails with ErrTurnActive.
func (o *Orchestrator) StartTurn(ctx context.Context, n Notifier, connID, conversationID, text string) (string, string, error) {
	if strings.TrimSpace(text) == "" {
		return "", "", fmt.Errorf("empty message text")
	}

	if conversationID == "" {
		id, err := o.store.CreateConversation(ctx, text)
		if err != nil {
			return "", "", err
		}
		conversationID = id
	} else if _, err := o.store.GetConversation(ctx, conversationID); err != nil {
		return "", "", err
	}

	streamID := uuid.NewString()
	turnCtx, cancel := context.WithCancel(ctx)
	entry := &turnEntry{
		conversationID: conversationID,
		streamID:       streamID,
		startedAt:      time.Now(),
		cancel:         cancel,
	}
	if err := o.registry.register(connID, entry); err != nil {
		cancel()
		return "", "", err
	}

	if _, err := o.store.AddMessage(ctx, conversationID, "user", text,
		tokenutil.EstimateTokens(text), persistence.AddMessageParams{StreamID: streamID}); err != nil {
		o.registry.remove(connID)
		cancel()
		return "", "", err
	}

	go o.runTurn(turnCtx, n, connID, entry)
	return conversationID, streamID, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, n Notifier, connID string, entry *turnEntry) {
	defer o.registry.remove(connID)

	ctx, span := otel.StartSpan(ctx, o.tracer, "turn",
		otel.AttrConversationID.String(entry.conversationID),
		otel.AttrStreamID.String(entry.streamID),
		otel.AttrModel.String(o.model),
	)
	defer span.End()

	if o.metrics != nil {
		o.metrics.ActiveTurns.Add(ctx, 1)
		defer o.metrics.ActiveTurns.Add(context.WithoutCancel(ctx), -1)
		defer func() {
			o.metrics.TurnDuration.Record(context.WithoutCancel(ctx),
				time.Since(entry.startedAt).Seconds())
		}()
	}

	created := bus.TurnCreatedEvent{ConversationID: entry.conversationID, StreamID: entry.streamID}
	n.Notify(ctx, "turn.created", created)
	o.publish(bus.TopicTurnCreated, created)

	state := stateStreaming
	var calls []completedCall
	var assistantMsgID int64
	rounds := 0

	for {
		switch state {
		case stateStreaming:
			rounds++
			if rounds > maxToolRounds {
				o.failTurn(ctx, n, entry, fmt.Errorf("turn exceeded %d tool rounds", maxToolRounds))
				return
			}
			state, assistantMsgID, calls = o.streamOnce(ctx, n, entry)
		case stateToolPhase:
			state = o.toolPhase(ctx, n, entry, assistantMsgID, calls)
		case stateDone:
			o.finishTurn(ctx, n, entry)
			return
		case stateAborted:
			return
		}
	}
}

// completedCall is one fully-accumulated tool call from the stream.
type completedCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// streamOnce runs a single provider round: relay text, accumulate tool
// calls, persist the assistant message on turn end. The cancellation flag
// is polled before relaying each event.
func (o *Orchestrator) streamOnce(ctx context.Context, n Notifier, entry *turnEntry) (turnState, int64, []completedCall) {
	messages, err := buildContext(ctx, o.store, entry.conversationID)
	if err != nil {
		o.failTurn(ctx, n, entry, err)
		return stateAborted, 0, nil
	}

	_, span := otel.StartClientSpan(ctx, o.tracer, "llm.stream",
		otel.AttrModel.String(o.model),
		otel.AttrConversationID.String(entry.conversationID),
	)
	defer span.End()

	tools := append(o.catalog.Tools(), compactToolSpec())
	stream, err := o.provider.Stream(ctx, provider.Request{
		Model:     o.model,
		System:    o.system(),
		Messages:  messages,
		Tools:     tools,
		MaxTokens: o.maxTokens,
	})
	if err != nil {
		o.failTurn(ctx, n, entry, err)
		return stateAborted, 0, nil
	}
	defer stream.Close()

	var text strings.Builder
	acc := newCallAccumulator()
	endReason := provider.EndReasonEndTurn

	for {
		if reason, stopped := entry.stopRequested(); stopped {
			o.persistStopped(ctx, n, entry, text.String(), reason)
			return stateAborted, 0, nil
		}

		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if reason, stopped := entry.stopRequested(); stopped || errors.Is(err, context.Canceled) {
				if reason == "" {
					reason = "canceled"
				}
				o.persistStopped(ctx, n, entry, text.String(), reason)
				return stateAborted, 0, nil
			}
			o.persistStopped(ctx, n, entry, text.String(), "provider error")
			o.failTurn(ctx, n, entry, err)
			return stateAborted, 0, nil
		}

		switch event.Type {
		case provider.EventTextFragment:
			text.WriteString(event.Text)
			delta := bus.TurnDeltaEvent{
				ConversationID: entry.conversationID,
				StreamID:       entry.streamID,
				Text:           event.Text,
			}
			n.Notify(ctx, "turn.delta", delta)
			o.publish(bus.TopicTurnDelta, delta)
			if o.metrics != nil {
				o.metrics.StreamFragments.Add(ctx, 1)
			}
		case provider.EventToolCallStart:
			acc.start(event.Index, event.CallID, event.ToolName)
		case provider.EventToolCallArg:
			acc.append(event.Index, event.ArgJSON)
		case provider.EventUsage:
			if err := o.store.AddUsage(ctx, entry.conversationID, event.InputTokens, event.OutputTokens); err != nil {
				o.logger.Error("record usage", "error", err, "conversation_id", entry.conversationID)
			}
			span.SetAttributes(
				otel.AttrTokensInput.Int(event.InputTokens),
				otel.AttrTokensOutput.Int(event.OutputTokens),
			)
			if o.metrics != nil {
				o.metrics.TokensUsed.Add(ctx, int64(event.InputTokens+event.OutputTokens))
			}
		case provider.EventTurnEnd:
			endReason = event.EndReason
		case provider.EventStreamEnd:
		}
	}

	calls := acc.finishAll()
	span.SetAttributes(otel.AttrEndReason.String(endReason))
	content := strings.TrimRight(text.String(), " \t\r\n")

	if endReason == provider.EndReasonToolUse && len(calls) > 0 {
		if content == "" {
			content = emptyToolTurnText
		}
		msgID, err := o.store.AddMessage(ctx, entry.conversationID, "assistant", content,
			tokenutil.EstimateTokens(content), persistence.AddMessageParams{StreamID: entry.streamID})
		if err != nil {
			o.failTurn(ctx, n, entry, err)
			return stateAborted, 0, nil
		}
		return stateToolPhase, msgID, calls
	}

	msgID, err := o.store.AddMessage(ctx, entry.conversationID, "assistant", content,
		tokenutil.EstimateTokens(content), persistence.AddMessageParams{StreamID: entry.streamID})
	if err != nil {
		o.failTurn(ctx, n, entry, err)
		return stateAborted, 0, nil
	}
	if endReason == provider.EndReasonMaxTokens {
		if err := o.store.AppendStopReason(ctx, msgID, provider.EndReasonMaxTokens); err != nil {
			o.logger.Error("append stop reason", "error", err)
		}
	}
	return stateDone, msgID, nil
}

// toolPhase executes the accumulated calls concurrently, persists one
// execution record per call and relays results. Per-call failures are
// recorded and fed back to the model; they do not abort the turn.
func (o *Orchestrator) toolPhase(ctx context.Context, n Notifier, entry *turnEntry, msgID int64, calls []completedCall) turnState {
	type outcome struct {
		output     json.RawMessage
		errText    string
		durationMs int64
	}
	outcomes := make([]outcome, len(calls))

	done := make(chan int, len(calls))
	for i := range calls {
		call := calls[i]
		callEvent := bus.ToolCallEvent{
			ConversationID: entry.conversationID,
			StreamID:       entry.streamID,
			CallID:         call.ID,
			Name:           call.Name,
			Input:          string(call.Args),
		}
		n.Notify(ctx, "tool.call", callEvent)
		o.publish(bus.TopicToolCall, callEvent)

		go func(i int, call completedCall) {
			callCtx, span := otel.StartSpan(ctx, o.tracer, "tool.execute",
				otel.AttrToolName.String(call.Name),
				otel.AttrConversationID.String(entry.conversationID),
			)
			defer span.End()
			start := time.Now()
			output, err := o.invoke(callCtx, entry, call)
			outcomes[i] = outcome{
				output:     output,
				durationMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				outcomes[i].errText = err.Error()
			}
			done <- i
		}(i, call)
	}
	for range calls {
		<-done
	}

	for i, call := range calls {
		res := outcomes[i]
		success := res.errText == ""
		if _, err := o.store.AddToolExecution(ctx, persistence.ToolExecution{
			ConversationID: entry.conversationID,
			MessageID:      msgID,
			CallID:         call.ID,
			ToolName:       call.Name,
			Input:          string(call.Args),
			Output:         string(res.output),
			DurationMs:     res.durationMs,
			Success:        success,
			Error:          res.errText,
		}); err != nil {
			o.failTurn(ctx, n, entry, err)
			return stateAborted
		}

		resultEvent := bus.ToolResultEvent{
			ConversationID: entry.conversationID,
			StreamID:       entry.streamID,
			CallID:         call.ID,
			Output:         string(res.output),
			Error:          res.errText,
			DurationMs:     res.durationMs,
		}
		n.Notify(ctx, "tool.result", resultEvent)
		o.publish(bus.TopicToolResult, resultEvent)

		if o.metrics != nil {
			o.metrics.ToolCallDuration.Record(ctx, float64(res.durationMs)/1000,
				metric.WithAttributes(otel.AttrToolName.String(call.Name)))
			if !success {
				o.metrics.ToolCallErrors.Add(ctx, 1)
			}
		}
	}

	if reason, stopped := entry.stopRequested(); stopped {
		if err := o.store.AppendStopReason(ctx, msgID, reason); err != nil {
			o.logger.Error("append stop reason", "error", err)
		}
		o.notifyStopped(ctx, n, entry, reason)
		return stateAborted
	}
	return stateStreaming
}

// invoke routes a call either to the internal compaction tool or through
// the broker to the connected executors.
func (o *Orchestrator) invoke(ctx context.Context, entry *turnEntry, call completedCall) (json.RawMessage, error) {
	if call.Name == compactToolName {
		var args struct {
			Keep int `json:"keep_recent"`
		}
		_ = json.Unmarshal(call.Args, &args)
		summarized, err := o.compactor.Compact(ctx, entry.conversationID, args.Keep)
		if err != nil {
			return nil, err
		}
		if o.metrics != nil {
			o.metrics.Compactions.Add(ctx, 1)
		}
		out, _ := json.Marshal(map[string]int{"summarized": summarized})
		return out, nil
	}
	return o.broker.Invoke(ctx, call.Name, call.Args)
}

// finishTurn emits the completion notifications: turn.complete, usage
// totals with cost, limit warnings and a compaction suggestion when the
// conversation crossed a hard ceiling.
func (o *Orchestrator) finishTurn(ctx context.Context, n Notifier, entry *turnEntry) {
	complete := bus.TurnCompleteEvent{ConversationID: entry.conversationID, StreamID: entry.streamID}
	n.Notify(ctx, "turn.complete", complete)
	o.publish(bus.TopicTurnComplete, complete)

	conv, err := o.store.GetConversation(ctx, entry.conversationID)
	if err != nil {
		o.logger.Error("load conversation for usage", "error", err)
		return
	}

	usage := bus.UsageUpdateEvent{
		ConversationID: conv.ID,
		InputTokens:    conv.InputTokens,
		OutputTokens:   conv.OutputTokens,
		Messages:       conv.MessageCount,
		Tools:          conv.ToolCount,
		CostUSD:        pricing.EstimateCost(o.model, conv.InputTokens, conv.OutputTokens),
	}
	n.Notify(ctx, "usage.update", usage)
	o.publish(bus.TopicUsageUpdate, usage)

	state, warnings := o.limits.Evaluate(conv)
	if len(warnings) > 0 {
		warn := bus.LimitWarningEvent{ConversationID: conv.ID, Warnings: warnings}
		n.Notify(ctx, "limit.warning", warn)
		o.publish(bus.TopicLimitWarning, warn)
	}
	if state == LimitMustCompact {
		suggested := bus.CompactionSuggestedEvent{
			ConversationID: conv.ID,
			Reason:         "context limits reached",
		}
		n.Notify(ctx, "compaction.suggested", suggested)
		o.publish(bus.TopicCompactionSuggested, suggested)
	}
}

// persistStopped saves the partial text of an interrupted stream and
// tells the client the turn stopped. Safe to call with empty text.
func (o *Orchestrator) persistStopped(ctx context.Context, n Notifier, entry *turnEntry, text, reason string) {
	ctx = context.WithoutCancel(ctx)
	content := strings.TrimRight(text, " \t\r\n")
	if _, err := o.store.AddMessage(ctx, entry.conversationID, "assistant", content,
		tokenutil.EstimateTokens(content), persistence.AddMessageParams{
			StreamID:   entry.streamID,
			Stopped:    true,
			StopReason: reason,
		}); err != nil {
		o.logger.Error("persist stopped message", "error", err)
	}
	o.notifyStopped(ctx, n, entry, reason)
}

func (o *Orchestrator) notifyStopped(ctx context.Context, n Notifier, entry *turnEntry, reason string) {
	stopped := bus.TurnStoppedEvent{
		ConversationID: entry.conversationID,
		StreamID:       entry.streamID,
		Reason:         reason,
	}
	n.Notify(ctx, "turn.stopped", stopped)
	o.publish(bus.TopicTurnStopped, stopped)
}

func (o *Orchestrator) failTurn(ctx context.Context, n Notifier, entry *turnEntry, err error) {
	ctx = context.WithoutCancel(ctx)
	o.logger.Error("turn failed",
		"conversation_id", entry.conversationID,
		"stream_id", entry.streamID,
		"error", err,
	)
	failure := bus.TurnErrorEvent{
		ConversationID: entry.conversationID,
		StreamID:       entry.streamID,
		Error:          err.Error(),
	}
	n.Notify(ctx, "turn.error", failure)
	o.publish(bus.TopicTurnError, failure)
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.bus != nil {
		o.bus.Publish(topic, payload)
	}
}

func compactToolSpec() provider.ToolSpec {
	return provider.ToolSpec{
		Name:        compactToolName,
		Description: "Condense the older part of this conversation into a summary to free up context.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keep_recent": map[string]any{
					"type":        "integer",
					"description": "Number of recent messages to leave out of the summary.",
				},
			},
		},
	}
}

// callAccumulator assembles tool calls from start and argument events,
// keyed by content block index, preserving start order.
type callAccumulator struct {
	order []int64
	calls map[int64]*pendingAccum
}

type pendingAccum struct {
	id   string
	name string
	args strings.Builder
}

func newCallAccumulator() *callAccumulator {
	return &callAccumulator{calls: make(map[int64]*pendingAccum)}
}

func (a *callAccumulator) start(index int64, id, name string) {
	if _, exists := a.calls[index]; exists {
		return
	}
	a.calls[index] = &pendingAccum{id: id, name: name}
	a.order = append(a.order, index)
}

func (a *callAccumulator) append(index int64, fragment string) {
	if p, ok := a.calls[index]; ok {
		p.args.WriteString(fragment)
	}
}

func (a *callAccumulator) finishAll() []completedCall {
	out := make([]completedCall, 0, len(a.order))
	for _, index := range a.order {
		p := a.calls[index]
		args := p.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, completedCall{
			ID:   p.id,
			Name: p.name,
			Args: json.RawMessage(args),
		})
	}
	return out
}
