package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all gridmind metric instruments.
type Metrics struct {
	TurnDuration     metric.Float64Histogram
	StreamFragments  metric.Int64Counter
	TokensUsed       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	Compactions      metric.Int64Counter
	ActiveTurns      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("gridmind.turn.duration",
		metric.WithDescription("End-to-end turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamFragments, err = meter.Int64Counter("gridmind.stream.fragments",
		metric.WithDescription("Streamed text fragments relayed to clients"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("gridmind.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("gridmind.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("gridmind.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.Compactions, err = meter.Int64Counter("gridmind.compactions",
		metric.WithDescription("Context compactions performed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("gridmind.turn.active",
		metric.WithDescription("Number of currently streaming turns"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
