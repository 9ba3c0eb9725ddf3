package gateway

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/agent/routing"
	"github.com/haasonsaas/switchboard/internal/augment"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Pipeline is one immutable snapshot of the request path: routing rules,
// intent rules and the tool loop. A reload builds a new Pipeline and swaps
// it in; requests keep the snapshot they started with.
type Pipeline struct {
	Router    *routing.Router
	Augmentor *augment.Augmentor
	Loop      *agent.ToolLoop
}

func (p *Pipeline) validate() error {
	switch {
	case p == nil:
		return errors.New("gateway: nil pipeline")
	case p.Router == nil:
		return errors.New("gateway: pipeline has no router")
	case p.Loop == nil:
		return errors.New("gateway: pipeline has no tool loop")
	}
	return nil
}

// ChatInput is a validated /chat request.
type ChatInput struct {
	Message      string
	AgentContext string
	History      []agent.CompletionMessage
}

// Orchestrator runs chat requests against the current Pipeline.
type Orchestrator struct {
	current atomic.Pointer[Pipeline]
}

// NewOrchestrator creates an orchestrator serving p.
func NewOrchestrator(p *Pipeline) (*Orchestrator, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{}
	o.current.Store(p)
	return o, nil
}

// Swap installs p for subsequent requests.
func (o *Orchestrator) Swap(p *Pipeline) error {
	if err := p.validate(); err != nil {
		return err
	}
	o.current.Store(p)
	return nil
}

// Pipeline returns the snapshot currently served.
func (o *Orchestrator) Pipeline() *Pipeline {
	return o.current.Load()
}

// Start routes the message, gathers live context and starts the tool loop.
// Context fetches complete before the first model call.
func (o *Orchestrator) Start(ctx context.Context, in ChatInput) (models.AgentProfile, <-chan models.StreamEvent, error) {
	p := o.current.Load()
	profile := p.Router.RouteWithHint(in.Message, in.AgentContext)
	ctx = observability.AddProfile(ctx, profile.ID)

	system := p.Augmentor.Augment(ctx, in.Message, profile)
	events, err := p.Loop.Run(ctx, agent.RunRequest{
		Profile: profile,
		System:  system,
		History: in.History,
	})
	return profile, events, err
}
