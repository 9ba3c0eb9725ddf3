package routing

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Router classifies a user message into an AgentProfile. It is built once
// from static rules and is read-only afterwards.
type Router struct {
	defaultProfile string
	profiles       map[string]models.AgentProfile
	rules          []Rule
}

// Rule routes messages satisfying Match to Profile.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Profile string `yaml:"profile" json:"profile"`
	Match   Match  `yaml:"match" json:"match"`
}

// Config configures a Router.
type Config struct {
	// Default is the profile used when no rule matches.
	Default  string
	Profiles []models.AgentProfile
	// Rules are evaluated in order; the first match wins.
	Rules []Rule
}

// NewRouter validates the configuration and compiles its rules.
func NewRouter(cfg Config) (*Router, error) {
	r := &Router{
		defaultProfile: normalizeID(cfg.Default),
		profiles:       make(map[string]models.AgentProfile, len(cfg.Profiles)),
	}
	if r.defaultProfile == "" {
		r.defaultProfile = models.ProfileGeneral
	}

	for _, p := range cfg.Profiles {
		id := normalizeID(p.ID)
		if id == "" {
			return nil, errInvalidConfig("profile with empty id")
		}
		if _, dup := r.profiles[id]; dup {
			return nil, errInvalidConfig(fmt.Sprintf("duplicate profile %q", id))
		}
		p.ID = id
		p.AllowedTools = append([]string(nil), p.AllowedTools...)
		r.profiles[id] = p
	}
	if _, ok := r.profiles[r.defaultProfile]; !ok {
		if r.defaultProfile != models.ProfileGeneral {
			return nil, errInvalidConfig(fmt.Sprintf("default profile %q is not defined", r.defaultProfile))
		}
		r.profiles[models.ProfileGeneral] = models.AgentProfile{ID: models.ProfileGeneral}
	}

	r.rules = make([]Rule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		rule.Profile = normalizeID(rule.Profile)
		if _, ok := r.profiles[rule.Profile]; !ok {
			return nil, errInvalidConfig(fmt.Sprintf("rule %d (%s) targets unknown profile %q", i, rule.Name, rule.Profile))
		}
		rule.Match.Keywords = append([]string(nil), rule.Match.Keywords...)
		if err := rule.Match.Compile(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
		r.rules = append(r.rules, rule)
	}
	return r, nil
}

// Route returns the profile of the first rule matching message, or the
// default profile.
func (r *Router) Route(message string) models.AgentProfile {
	profile, _ := r.route(message)
	return profile
}

// RouteWithHint is Route, except that a message falling through to the
// default profile is routed to the profile named by agentContext when one
// exists. A matching rule always wins over the hint.
func (r *Router) RouteWithHint(message, agentContext string) models.AgentProfile {
	profile, matched := r.route(message)
	if matched {
		return profile
	}
	if hinted, ok := r.profiles[normalizeID(agentContext)]; ok {
		return hinted
	}
	return profile
}

func (r *Router) route(message string) (models.AgentProfile, bool) {
	normalized := Normalize(message)
	for _, rule := range r.rules {
		if rule.Match.Matches(normalized) {
			return r.profiles[rule.Profile], true
		}
	}
	return r.profiles[r.defaultProfile], false
}

// Profile returns a profile by id.
func (r *Router) Profile(id string) (models.AgentProfile, bool) {
	p, ok := r.profiles[normalizeID(id)]
	return p, ok
}

// Profiles returns every configured profile.
func (r *Router) Profiles() []models.AgentProfile {
	out := make([]models.AgentProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out
}

func normalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func errInvalidConfig(msg string) error {
	return fmt.Errorf("routing: %s", msg)
}
