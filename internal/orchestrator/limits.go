package orchestrator

import (
	"time"

	"github.com/basket/gridmind/internal/bus"
	"github.com/basket/gridmind/internal/persistence"
)

// LimitState is the soft-limit state of a conversation.
type LimitState int

const (
	LimitOK LimitState = iota
	LimitWarn
	LimitMustCompact
)

func (s LimitState) String() string {
	switch s {
	case LimitWarn:
		return "WARN"
	case LimitMustCompact:
		return "MUST_COMPACT"
	default:
		return "OK"
	}
}

// Limits holds the configured soft ceilings. All are advisory: crossing
// one never interrupts a turn, it only surfaces warnings and a
// compaction suggestion after the turn completes.
type Limits struct {
	Tokens      int
	Messages    int
	ToolCalls   int
	MaxAge      time.Duration
	MinMessages int
	WarnRatio   float64
}

// Evaluate derives the limit state for a conversation snapshot. WARN at
// warnRatio of any ceiling, MUST_COMPACT at or past a ceiling, or when
// the conversation is both older than MaxAge and at least MinMessages
// long. Age alone never forces compaction.
func (l Limits) Evaluate(c persistence.Conversation) (LimitState, []bus.LimitWarning) {
	warnRatio := l.WarnRatio
	if warnRatio <= 0 || warnRatio >= 1 {
		warnRatio = 0.8
	}

	dims := []struct {
		kind    string
		current int
		limit   int
	}{
		{"tokens", c.InputTokens + c.OutputTokens, l.Tokens},
		{"messages", c.MessageCount, l.Messages},
		{"tool_calls", c.ToolCount, l.ToolCalls},
	}

	state := LimitOK
	var warnings []bus.LimitWarning
	for _, d := range dims {
		if d.limit <= 0 {
			continue
		}
		ratio := float64(d.current) / float64(d.limit)
		if ratio >= 1 {
			state = LimitMustCompact
		} else if ratio >= warnRatio && state == LimitOK {
			state = LimitWarn
		}
		if ratio >= warnRatio {
			warnings = append(warnings, bus.LimitWarning{Kind: d.kind, Current: d.current, Limit: d.limit})
		}
	}

	if l.MaxAge > 0 && c.Age() > l.MaxAge && c.MessageCount >= l.MinMessages {
		state = LimitMustCompact
		warnings = append(warnings, bus.LimitWarning{
			Kind:    "age",
			Current: int(c.Age() / (24 * time.Hour)),
			Limit:   int(l.MaxAge / (24 * time.Hour)),
		})
	}

	return state, warnings
}
