// Package sessions holds the client-side conversation log and its
// persistence.
//
// A Session is an append-only list of Turns owned by one client. Only the
// trailing streaming Turn may change, and only through Update; completed
// and failed turns are sealed. Before history is sent to the server it goes
// through Sanitize, which never alters the log itself.
package sessions

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// WelcomeTurnID identifies the greeting a reset session starts with. It is
// shown to the user but never sent to the model.
const WelcomeTurnID = "welcome"

// DefaultWelcome is the greeting used when none is configured.
const DefaultWelcome = "Hi! Ask me to build a part or change the chart."

var (
	// ErrTurnNotFound is returned when Update names an unknown turn.
	ErrTurnNotFound = errors.New("turn not found")

	// ErrTurnSealed is returned when Update targets a completed or failed turn.
	ErrTurnSealed = errors.New("turn is sealed")

	// ErrInvalidTurn is returned when Append is given a turn with an unknown role.
	ErrInvalidTurn = errors.New("invalid turn")
)

// Session is an ordered, versioned log of Turns. It is safe for concurrent use.
type Session struct {
	mu      sync.RWMutex
	key     string
	turns   []models.Turn
	version uint64
	now     func() time.Time
}

// New creates an empty session stored under key.
func New(key string) *Session {
	return &Session{key: key, now: time.Now}
}

// NewWithWelcome creates a session holding only the welcome turn.
func NewWithWelcome(key, welcome string) *Session {
	s := New(key)
	s.Reset(welcome)
	return s
}

// Key returns the storage key.
func (s *Session) Key() string { return s.key }

// Version increases with every change to the log.
func (s *Session) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Len returns the number of turns.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Turns returns a copy of the log.
func (s *Session) Turns() []models.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTurns(s.turns)
}

// Append adds turn to the end of the log, assigning an id and timestamp
// when missing, and returns the stored copy.
func (s *Session) Append(turn models.Turn) (models.Turn, error) {
	if !turn.Role.Valid() {
		return models.Turn{}, fmt.Errorf("%w: role %q", ErrInvalidTurn, turn.Role)
	}
	if turn.Status == "" {
		turn.Status = models.TurnComplete
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, cloneTurn(turn))
	s.version++
	return cloneTurn(turn), nil
}

// Update applies fn to the streaming turn with the given id. Sealed turns
// cannot be changed.
func (s *Session) Update(id string, fn func(*models.Turn)) (models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].ID != id {
			continue
		}
		if s.turns[i].Status != models.TurnStreaming {
			return models.Turn{}, fmt.Errorf("%w: %s", ErrTurnSealed, id)
		}
		turn := cloneTurn(s.turns[i])
		fn(&turn)
		turn.ID = id
		s.turns[i] = turn
		s.version++
		return cloneTurn(turn), nil
	}
	return models.Turn{}, fmt.Errorf("%w: %s", ErrTurnNotFound, id)
}

// Streaming reports whether any turn is still streaming.
func (s *Session) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.turns {
		if t.Status == models.TurnStreaming {
			return true
		}
	}
	return false
}

// Reset replaces the log with a single welcome turn.
func (s *Session) Reset(welcome string) {
	if welcome == "" {
		welcome = DefaultWelcome
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = []models.Turn{{
		ID:        WelcomeTurnID,
		Role:      models.RoleAssistant,
		Content:   welcome,
		Status:    models.TurnComplete,
		Timestamp: s.now().UTC(),
	}}
	s.version++
}

// Sanitized returns the history to send to the server.
func (s *Session) Sanitized() []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Sanitize(s.turns)
}

// restore replaces the log with persisted turns. Turns left streaming by an
// earlier process can never finish and are marked failed.
func (s *Session) restore(turns []models.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = cloneTurns(turns)
	for i := range s.turns {
		if s.turns[i].Status == models.TurnStreaming {
			s.turns[i].Status = models.TurnError
			if s.turns[i].Error == "" {
				s.turns[i].Error = "interrupted"
			}
		}
	}
	s.version++
}

func cloneTurns(turns []models.Turn) []models.Turn {
	out := make([]models.Turn, len(turns))
	for i, t := range turns {
		out[i] = cloneTurn(t)
	}
	return out
}

func cloneTurn(t models.Turn) models.Turn {
	if t.Artifacts != nil {
		t.Artifacts = append([]models.Artifact(nil), t.Artifacts...)
	}
	if t.Blocks != nil {
		t.Blocks = append([]models.Block(nil), t.Blocks...)
	}
	return t
}
