package models

// Well-known agent profile ids.
const (
	ProfileGeneral = "general"
	ProfileCAD     = "cad"
	ProfileTrading = "trading"
)

// AgentProfile bundles the system prompt, tool subset and context policy
// selected for a single message. Profiles are immutable once built.
type AgentProfile struct {
	ID               string   `json:"id" yaml:"id"`
	SystemPrompt     string   `json:"system_prompt" yaml:"system_prompt"`
	AllowedTools     []string `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	NeedsLiveContext bool     `json:"needs_live_context" yaml:"needs_live_context"`
}

// Allows reports whether the named tool is in the profile's subset.
func (p AgentProfile) Allows(tool string) bool {
	for _, name := range p.AllowedTools {
		if name == tool {
			return true
		}
	}
	return false
}
