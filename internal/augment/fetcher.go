package augment

import (
	"context"
	"time"

	"github.com/haasonsaas/switchboard/internal/agent/routing"
)

// Fetcher retrieves live context for a message. ok=false means there is
// nothing worth adding. Implementations should honour ctx; a fetcher that
// overruns its timeout is abandoned.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, message string) (string, bool)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc struct {
	Source string
	Fn     func(ctx context.Context, message string) (string, bool)
}

// Name returns the source label used in metrics and prompt headings.
func (f FetcherFunc) Name() string { return f.Source }

// Fetch calls Fn.
func (f FetcherFunc) Fetch(ctx context.Context, message string) (string, bool) {
	if f.Fn == nil {
		return "", false
	}
	return f.Fn(ctx, message)
}

// IntentRule runs Fetcher when Match accepts the message. Profiles limits
// the rule to the listed profile ids; empty means any profile that needs
// live context.
type IntentRule struct {
	Name     string
	Match    routing.Match
	Profiles []string
	Fetcher  Fetcher
	// Timeout overrides Config.FetchTimeout for this rule.
	Timeout time.Duration
}

func (r *IntentRule) appliesTo(profile string) bool {
	if len(r.Profiles) == 0 {
		return true
	}
	for _, p := range r.Profiles {
		if p == profile {
			return true
		}
	}
	return false
}

func (r *IntentRule) source() string {
	if r.Fetcher != nil && r.Fetcher.Name() != "" {
		return r.Fetcher.Name()
	}
	return r.Name
}
