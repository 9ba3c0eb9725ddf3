package cad

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Tools returns every CAD tool bound to client.
func Tools(client *Client) []agent.Tool {
	return []agent.Tool{
		NewConnectTool(client),
		NewCreatePartTool(client),
		NewStatusTool(client),
		NewScreenshotTool(client),
	}
}

type emptyInput struct{}

// ConnectTool attaches the controller to the CAD application.
type ConnectTool struct {
	client *Client
}

func NewConnectTool(client *Client) *ConnectTool {
	return &ConnectTool{client: client}
}

func (t *ConnectTool) Name() string { return "connect" }

func (t *ConnectTool) Description() string {
	return "Connect to the running CAD application. Call this before creating parts."
}

func (t *ConnectTool) Schema() json.RawMessage { return agent.SchemaFor[emptyInput]() }

// Idempotent: connecting twice leaves the same session.
func (t *ConnectTool) Idempotent() bool { return true }

func (t *ConnectTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t == nil || t.client == nil {
		return toolError("CAD controller not configured"), nil
	}
	status, err := t.client.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(status), nil
}

type createPartInput struct {
	Name   string             `json:"name" jsonschema:"description=Human readable part name,minLength=1"`
	Kind   string             `json:"kind" jsonschema:"description=Primitive or feature kind (box cylinder sphere flange plate),minLength=1"`
	Params map[string]float64 `json:"params,omitempty" jsonschema:"description=Dimensions in millimetres keyed by name (e.g. diameter thickness holes)"`
}

// CreatePartTool creates a part. Each call adds a new body, so it is never
// retried.
type CreatePartTool struct {
	client *Client
}

func NewCreatePartTool(client *Client) *CreatePartTool {
	return &CreatePartTool{client: client}
}

func (t *CreatePartTool) Name() string { return "create_part" }

func (t *CreatePartTool) Description() string {
	return "Create a new part in the open CAD document."
}

func (t *CreatePartTool) Schema() json.RawMessage { return agent.SchemaFor[createPartInput]() }

func (t *CreatePartTool) Idempotent() bool { return false }

func (t *CreatePartTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t == nil || t.client == nil {
		return toolError("CAD controller not configured"), nil
	}
	var input createPartInput
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	part, err := t.client.CreatePart(ctx, PartSpec(input))
	if err != nil {
		return nil, err
	}
	return jsonResult(part), nil
}

// StatusTool reports the CAD application state.
type StatusTool struct {
	client *Client
}

func NewStatusTool(client *Client) *StatusTool {
	return &StatusTool{client: client}
}

func (t *StatusTool) Name() string { return "cad_status" }

func (t *StatusTool) Description() string {
	return "Get the CAD connection state, open document and its parts."
}

func (t *StatusTool) Schema() json.RawMessage { return agent.SchemaFor[emptyInput]() }

func (t *StatusTool) Idempotent() bool { return true }

func (t *StatusTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t == nil || t.client == nil {
		return toolError("CAD controller not configured"), nil
	}
	status, err := t.client.Status(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(status), nil
}

// ScreenshotTool captures the CAD viewport as an artifact.
type ScreenshotTool struct {
	client *Client
}

func NewScreenshotTool(client *Client) *ScreenshotTool {
	return &ScreenshotTool{client: client}
}

func (t *ScreenshotTool) Name() string { return "cad_screenshot" }

func (t *ScreenshotTool) Description() string {
	return "Capture a screenshot of the CAD viewport. The image is shown to the user."
}

func (t *ScreenshotTool) Schema() json.RawMessage { return agent.SchemaFor[emptyInput]() }

func (t *ScreenshotTool) Idempotent() bool { return true }

func (t *ScreenshotTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t == nil || t.client == nil {
		return toolError("CAD controller not configured"), nil
	}
	png, err := t.client.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{
		Content: fmt.Sprintf("Screenshot captured (%d bytes) and shown to the user.", len(png)),
		Artifacts: []models.Artifact{{
			ID:       uuid.NewString(),
			Type:     "screenshot",
			MimeType: "image/png",
			Filename: fmt.Sprintf("cad_%s.png", time.Now().Format("20060102_150405")),
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
