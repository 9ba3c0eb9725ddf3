package chart

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Tools returns the chart tools bound to client. The snapshot tool is
// included only when capturer is non-nil.
func Tools(client *Client, capturer Capturer) []agent.Tool {
	tools := []agent.Tool{
		&StateTool{client: client},
		&SetSymbolTool{client: client},
		&SetTimeframeTool{client: client},
		&AddIndicatorTool{client: client},
	}
	if capturer != nil {
		tools = append(tools, &SnapshotTool{capturer: capturer})
	}
	return tools
}

type emptyInput struct{}

// StateTool reads the chart view.
type StateTool struct{ client *Client }

func (t *StateTool) Name() string     { return "chart_state" }
func (t *StateTool) Idempotent() bool { return true }

func (t *StateTool) Description() string {
	return "Get the chart's symbol, timeframe, last price and indicators."
}

func (t *StateTool) Schema() json.RawMessage {
	return agent.SchemaFor[emptyInput]()
}

func (t *StateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	state, err := t.client.State(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(state), nil
}

type setSymbolInput struct {
	Symbol string `json:"symbol" jsonschema:"description=Ticker symbol such as AAPL or BTCUSD,minLength=1,maxLength=16"`
}

// SetSymbolTool switches the charted instrument.
type SetSymbolTool struct{ client *Client }

func (t *SetSymbolTool) Name() string { return "chart_set_symbol" }

func (t *SetSymbolTool) Description() string {
	return "Switch the chart to another ticker symbol."
}

func (t *SetSymbolTool) Schema() json.RawMessage {
	return agent.SchemaFor[setSymbolInput]()
}

// Idempotent: setting the same symbol twice leaves the same view.
func (t *SetSymbolTool) Idempotent() bool { return true }

func (t *SetSymbolTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input setSymbolInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	state, err := t.client.SetSymbol(ctx, input.Symbol)
	if err != nil {
		return nil, err
	}
	return jsonResult(state), nil
}

type setTimeframeInput struct {
	Timeframe string `json:"timeframe" jsonschema:"description=Bar interval,enum=1m,enum=5m,enum=15m,enum=1h,enum=4h,enum=1D,enum=1W"`
}

// SetTimeframeTool changes the bar interval.
type SetTimeframeTool struct{ client *Client }

func (t *SetTimeframeTool) Name() string     { return "chart_set_timeframe" }
func (t *SetTimeframeTool) Idempotent() bool { return true }

func (t *SetTimeframeTool) Description() string {
	return "Change the chart's bar interval."
}

func (t *SetTimeframeTool) Schema() json.RawMessage {
	return agent.SchemaFor[setTimeframeInput]()
}

func (t *SetTimeframeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input setTimeframeInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	state, err := t.client.SetTimeframe(ctx, input.Timeframe)
	if err != nil {
		return nil, err
	}
	return jsonResult(state), nil
}

type addIndicatorInput struct {
	Name   string         `json:"name" jsonschema:"description=Indicator name such as RSI or MACD or SMA,minLength=1"`
	Params map[string]any `json:"params,omitempty" jsonschema:"description=Indicator settings such as length or source"`
}

// AddIndicatorTool applies a study. Each call adds another instance, so it
// is never retried.
type AddIndicatorTool struct{ client *Client }

func (t *AddIndicatorTool) Name() string     { return "chart_add_indicator" }
func (t *AddIndicatorTool) Idempotent() bool { return false }

func (t *AddIndicatorTool) Description() string {
	return "Add a technical indicator to the chart."
}

func (t *AddIndicatorTool) Schema() json.RawMessage {
	return agent.SchemaFor[addIndicatorInput]()
}

func (t *AddIndicatorTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input addIndicatorInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	ind, err := t.client.AddIndicator(ctx, input.Name, input.Params)
	if err != nil {
		return nil, err
	}
	return jsonResult(ind), nil
}

// SnapshotTool captures the chart page as an artifact.
type SnapshotTool struct{ capturer Capturer }

func (t *SnapshotTool) Name() string     { return "chart_snapshot" }
func (t *SnapshotTool) Idempotent() bool { return true }

func (t *SnapshotTool) Description() string {
	return "Capture an image of the chart. The image is shown to the user."
}

func (t *SnapshotTool) Schema() json.RawMessage {
	return agent.SchemaFor[emptyInput]()
}

func (t *SnapshotTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	png, err := t.capturer.Capture(ctx)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{
		Content: fmt.Sprintf("Chart snapshot captured (%d bytes) and shown to the user.", len(png)),
		Artifacts: []models.Artifact{{
			ID:       uuid.NewString(),
			Type:     "screenshot",
			MimeType: "image/png",
			Filename: fmt.Sprintf("chart_%s.png", time.Now().Format("20060102_150405")),
			Data:     png,
		}},
	}, nil
}

func toolError(msg string) *agent.ToolResult {
	return &agent.ToolResult{Content: msg, IsError: true}
}

func jsonResult(v any) *agent.ToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err))
	}
	return &agent.ToolResult{Content: string(data)}
}
