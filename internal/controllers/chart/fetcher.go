package chart

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMaxIndicators is how many indicators the state fetcher lists.
const DefaultMaxIndicators = 5

// StateFetcher summarizes the chart view for the system prompt.
type StateFetcher struct {
	client        *Client
	maxIndicators int
}

// NewStateFetcher creates a fetcher listing at most maxIndicators indicators.
func NewStateFetcher(client *Client, maxIndicators int) *StateFetcher {
	if maxIndicators <= 0 {
		maxIndicators = DefaultMaxIndicators
	}
	return &StateFetcher{client: client, maxIndicators: maxIndicators}
}

func (f *StateFetcher) Name() string { return "chart_state" }

func (f *StateFetcher) Fetch(ctx context.Context, _ string) (string, bool) {
	if f == nil || f.client == nil {
		return "", false
	}
	state, err := f.client.State(ctx)
	if err != nil {
		return "", false
	}
	return FormatState(state, f.maxIndicators), true
}

// FormatState renders state as a short plain-text summary.
func FormatState(state *State, maxIndicators int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Chart: %s on %s", orNone(state.Symbol), orNone(state.Timeframe))
	if state.LastPrice > 0 {
		fmt.Fprintf(&sb, ", last %.4g", state.LastPrice)
	}
	if len(state.Indicators) == 0 {
		sb.WriteString("\nIndicators: none")
		return sb.String()
	}
	shown := state.Indicators
	if len(shown) > maxIndicators {
		shown = shown[:maxIndicators]
	}
	names := make([]string, len(shown))
	for i, ind := range shown {
		names[i] = ind.Name
	}
	fmt.Fprintf(&sb, "\nIndicators (%d of %d): %s", len(shown), len(state.Indicators), strings.Join(names, ", "))
	return sb.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
