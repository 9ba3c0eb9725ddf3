package cad

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMaxParts is how many parts the status fetcher lists.
const DefaultMaxParts = 5

// StatusFetcher summarizes the CAD state for the system prompt.
type StatusFetcher struct {
	client   *Client
	maxParts int
}

// NewStatusFetcher creates a fetcher listing at most maxParts parts.
func NewStatusFetcher(client *Client, maxParts int) *StatusFetcher {
	if maxParts <= 0 {
		maxParts = DefaultMaxParts
	}
	return &StatusFetcher{client: client, maxParts: maxParts}
}

func (f *StatusFetcher) Name() string { return "cad_status" }

// Fetch never returns an error; an unreachable controller yields nothing.
func (f *StatusFetcher) Fetch(ctx context.Context, _ string) (string, bool) {
	if f == nil || f.client == nil {
		return "", false
	}
	status, err := f.client.Status(ctx)
	if err != nil {
		return "", false
	}
	return FormatStatus(status, f.maxParts), true
}

// FormatStatus renders status as a short plain-text summary.
func FormatStatus(status *Status, maxParts int) string {
	var sb strings.Builder
	if status.Connected {
		sb.WriteString("CAD connected: yes\n")
	} else {
		sb.WriteString("CAD connected: no (call connect first)\n")
	}
	if status.Document != "" {
		fmt.Fprintf(&sb, "Open document: %s\n", status.Document)
	}
	total := len(status.Parts)
	if total == 0 {
		sb.WriteString("Parts: none")
		return sb.String()
	}
	shown := status.Parts
	if len(shown) > maxParts {
		shown = shown[:maxParts]
	}
	fmt.Fprintf(&sb, "Parts (%d of %d):", len(shown), total)
	for _, p := range shown {
		fmt.Fprintf(&sb, "\n- %s (%s, id %s)", p.Name, p.Kind, p.ID)
	}
	return sb.String()
}
