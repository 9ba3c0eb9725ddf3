package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// DefaultPrefix namespaces persisted sessions.
const DefaultPrefix = "switchboard-chat"

// DefaultMaxTurns is how many trailing turns are persisted.
const DefaultMaxTurns = 100

// ErrNotFound is returned by a Store for an unknown key.
var ErrNotFound = errors.New("session not found")

// Store is a key-value backend for serialized sessions.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key builds the storage key for an agent context.
func Key(prefix, agentContext string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	agentContext = strings.TrimSpace(agentContext)
	if agentContext == "" {
		agentContext = models.ProfileGeneral
	}
	return prefix + "-" + agentContext
}

// persistedTurn pins the wire format: timestamps are RFC 3339 strings.
type persistedTurn struct {
	ID        string            `json:"id"`
	Role      models.Role       `json:"role"`
	Content   string            `json:"content"`
	Status    models.TurnStatus `json:"status"`
	Artifacts []models.Artifact `json:"artifacts,omitempty"`
	Blocks    []models.Block    `json:"blocks,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// EncodeTurns serializes the last maxTurns turns as a JSON array. Older
// turns are dropped.
func EncodeTurns(turns []models.Turn, maxTurns int) ([]byte, error) {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	out := make([]persistedTurn, len(turns))
	for i, t := range turns {
		out[i] = persistedTurn{
			ID:        t.ID,
			Role:      t.Role,
			Content:   t.Content,
			Status:    t.Status,
			Artifacts: t.Artifacts,
			Blocks:    t.Blocks,
			Error:     t.Error,
			Timestamp: t.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	return json.Marshal(out)
}

// DecodeTurns parses a JSON array written by EncodeTurns.
func DecodeTurns(data []byte) ([]models.Turn, error) {
	var in []persistedTurn
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	turns := make([]models.Turn, len(in))
	for i, p := range in {
		ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("decode turn %s: invalid timestamp %q: %w", p.ID, p.Timestamp, err)
		}
		turns[i] = models.Turn{
			ID:        p.ID,
			Role:      p.Role,
			Content:   p.Content,
			Status:    p.Status,
			Artifacts: p.Artifacts,
			Blocks:    p.Blocks,
			Error:     p.Error,
			Timestamp: ts,
		}
	}
	return turns, nil
}

// Persister loads and saves Sessions through a Store.
type Persister struct {
	store    Store
	prefix   string
	maxTurns int
	welcome  string
}

// PersisterConfig configures a Persister.
type PersisterConfig struct {
	// Prefix namespaces keys. Default: DefaultPrefix
	Prefix string
	// MaxTurns bounds the persisted window. Default: DefaultMaxTurns
	MaxTurns int
	// Welcome is the greeting of new and reset sessions.
	Welcome string
}

// NewPersister wraps store.
func NewPersister(store Store, cfg PersisterConfig) *Persister {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Welcome == "" {
		cfg.Welcome = DefaultWelcome
	}
	return &Persister{store: store, prefix: cfg.Prefix, maxTurns: cfg.MaxTurns, welcome: cfg.Welcome}
}

// Load restores the session for agentContext, or starts one with the
// welcome turn when nothing is stored.
func (p *Persister) Load(ctx context.Context, agentContext string) (*Session, error) {
	key := Key(p.prefix, agentContext)
	data, err := p.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return NewWithWelcome(key, p.welcome), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	turns, err := DecodeTurns(data)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	s := New(key)
	s.restore(turns)
	return s, nil
}

// Save writes the trailing window of s.
func (p *Persister) Save(ctx context.Context, s *Session) error {
	data, err := EncodeTurns(s.Turns(), p.maxTurns)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.Key(), err)
	}
	if err := p.store.Put(ctx, s.Key(), data); err != nil {
		return fmt.Errorf("save session %s: %w", s.Key(), err)
	}
	return nil
}

// Reset replaces s with the welcome turn and saves it.
func (p *Persister) Reset(ctx context.Context, s *Session) error {
	s.Reset(p.welcome)
	return p.Save(ctx, s)
}

// Welcome returns the configured greeting.
func (p *Persister) Welcome() string { return p.welcome }
