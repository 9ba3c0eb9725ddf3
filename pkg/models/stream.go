package models

// StreamEventType tags a StreamEvent variant.
type StreamEventType string

const (
	EventToken           StreamEventType = "token"
	EventToolCallStarted StreamEventType = "tool_call_started"
	EventArtifact        StreamEventType = "artifact"
	EventDone            StreamEventType = "done"
	EventError           StreamEventType = "error"
)

// StreamEvent is one ordered event produced by the tool loop for a single
// client connection.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Artifact   *Artifact       `json:"artifact,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

func TokenEvent(text string) StreamEvent {
	return StreamEvent{Type: EventToken, Text: text}
}

func ToolCallStartedEvent(name, id string) StreamEvent {
	return StreamEvent{Type: EventToolCallStarted, ToolName: name, ToolCallID: id}
}

func ArtifactEvent(a Artifact) StreamEvent {
	return StreamEvent{Type: EventArtifact, Artifact: &a}
}

func DoneEvent() StreamEvent {
	return StreamEvent{Type: EventDone}
}

func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventError, Message: msg}
}

// DoneSentinel is the data payload of the final SSE frame.
const DoneSentinel = "[DONE]"

// FrameToolCall marks a tool invocation in a wire frame.
type FrameToolCall struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// Frame is the JSON payload of one `data:` line on the /chat stream.
type Frame struct {
	Content  string         `json:"content,omitempty"`
	ToolCall *FrameToolCall `json:"toolCall,omitempty"`
	Artifact *Artifact      `json:"artifact,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// FrameFor converts a non-done event into its wire frame. The second return
// is false for EventDone, which is written as the sentinel instead.
func FrameFor(e StreamEvent) (Frame, bool) {
	switch e.Type {
	case EventToken:
		return Frame{Content: e.Text}, true
	case EventToolCallStarted:
		return Frame{ToolCall: &FrameToolCall{Name: e.ToolName, ID: e.ToolCallID}}, true
	case EventArtifact:
		return Frame{Artifact: e.Artifact}, true
	case EventError:
		msg := e.Message
		if msg == "" {
			msg = "unknown error"
		}
		return Frame{Error: msg}, true
	default:
		return Frame{}, false
	}
}
