// Package client implements the session history manager used by
// interactive front ends.
//
// A Manager owns one Session. Send appends the user turn and a streaming
// assistant turn, posts the sanitized history to /chat and folds the SSE
// frames into the assistant turn. Transport failures are retried with a
// linear backoff; each retry starts the assistant turn over so nothing is
// duplicated.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"

	"github.com/haasonsaas/switchboard/internal/backoff"
	"github.com/haasonsaas/switchboard/internal/sessions"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const (
	// DefaultMaxRetries bounds transport retries per Send.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is the delay unit of the linear backoff.
	DefaultBaseDelay = time.Second
	// DefaultRequestTimeout bounds a single streaming attempt.
	DefaultRequestTimeout = 5 * time.Minute

	maxEventBytes = 1 << 20
)

var (
	// ErrTurnInProgress is returned when Send is called while a reply is
	// still streaming.
	ErrTurnInProgress = errors.New("a reply is already in progress")

	// ErrEmptyHistory is returned when sanitization leaves nothing to send.
	ErrEmptyHistory = errors.New("nothing to send after sanitizing history")

	// ErrRetriesExhausted is returned after every transport retry failed.
	ErrRetriesExhausted = errors.New("connection failed after retries")

	// ErrCanceled is returned when the caller cancels Send.
	ErrCanceled = errors.New("request canceled")

	errIncompleteStream = errors.New("stream ended before [DONE]")
)

// TransportError is a retryable failure talking to the server.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StreamError carries an error frame sent by the server. It is never
// retried.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return e.Message }

// Config configures a Manager.
type Config struct {
	ServerURL    string
	Token        string
	AgentContext string
	// SessionID is sent with every request. Empty lets the server assign one.
	SessionID string
	// MaxRetries is the number of retries after the first attempt. Negative
	// disables retries. Default: DefaultMaxRetries
	MaxRetries int
	// BaseDelay is multiplied by the retry number. Default: DefaultBaseDelay
	BaseDelay time.Duration
	// RequestTimeout bounds one attempt. Default: DefaultRequestTimeout
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Manager drives one conversation against a switchboard server.
type Manager struct {
	cfg       Config
	session   *sessions.Session
	persister *sessions.Persister
	http      *http.Client
	sleep     backoff.Sleeper
	onFrame   func(models.Frame)
	onRetry   func(retry int, delay time.Duration)
	logger    *slog.Logger

	mu       sync.Mutex
	inFlight bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSleeper replaces the retry sleeper.
func WithSleeper(sleep backoff.Sleeper) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithFrameHandler registers a callback invoked for every frame received,
// including frames of attempts that are later retried.
func WithFrameHandler(fn func(models.Frame)) Option {
	return func(m *Manager) { m.onFrame = fn }
}

// WithRetryHandler is called before each reconnect attempt. Frames already
// delivered for the turn belong to the abandoned attempt and are streamed
// again from the start.
func WithRetryHandler(fn func(retry int, delay time.Duration)) Option {
	return func(m *Manager) { m.onRetry = fn }
}

// WithPersister saves the session after every Send.
func WithPersister(p *sessions.Persister) Option {
	return func(m *Manager) { m.persister = p }
}

// NewManager creates a Manager for session.
func NewManager(cfg Config, session *sessions.Session, opts ...Option) (*Manager, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, errors.New("server url is required")
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	m := &Manager{
		cfg:     cfg,
		session: session,
		http:    cfg.HTTPClient,
		sleep:   backoff.SleepWithContext,
		logger:  slog.Default().With("component", "client"),
	}
	if m.http == nil {
		m.http = &http.Client{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Session returns the managed session.
func (m *Manager) Session() *sessions.Session { return m.session }

// Reset replaces the conversation with the welcome turn.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return ErrTurnInProgress
	}
	if m.persister != nil {
		return m.persister.Reset(ctx, m.session)
	}
	m.session.Reset("")
	return nil
}

// Send appends message as a user turn and streams the assistant reply into
// the session. The assistant turn always ends complete or failed.
func (m *Manager) Send(ctx context.Context, message string) error {
	m.mu.Lock()
	if m.inFlight || m.session.Streaming() {
		m.mu.Unlock()
		return ErrTurnInProgress
	}
	m.inFlight = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	if _, err := m.session.Append(models.Turn{Role: models.RoleUser, Content: message}); err != nil {
		return err
	}
	reply, err := m.session.Append(models.Turn{Role: models.RoleAssistant, Status: models.TurnStreaming})
	if err != nil {
		return err
	}

	err = m.run(ctx, reply.ID)
	m.finish(reply.ID, err)

	if m.persister != nil {
		if saveErr := m.persister.Save(context.WithoutCancel(ctx), m.session); saveErr != nil {
			m.logger.Warn("failed to save session", "key", m.session.Key(), "error", saveErr)
		}
	}
	return err
}

func (m *Manager) run(ctx context.Context, turnID string) error {
	history := m.session.Sanitized()
	if len(history) == 0 || history[len(history)-1].Role != models.RoleUser {
		return ErrEmptyHistory
	}
	body, err := json.Marshal(models.ChatRequest{
		SessionID:    m.cfg.SessionID,
		Messages:     history,
		AgentContext: m.cfg.AgentContext,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	_, err = backoff.Retry(ctx, backoff.Options{
		Schedule:   backoff.LinearPolicy{Base: m.cfg.BaseDelay},
		MaxRetries: m.cfg.MaxRetries,
		Retryable: func(err error) bool {
			var te *TransportError
			return errors.As(err, &te)
		},
		Sleep: m.sleep,
		OnRetry: func(retry int, delay time.Duration, err error) {
			m.logger.Info("retrying chat stream", "retry", retry, "delay", delay, "error", err)
			if m.onRetry != nil {
				m.onRetry(retry, delay)
			}
		},
	}, func(ctx context.Context, attempt int) (struct{}, error) {
		if attempt > 1 {
			m.discardPartial(turnID)
		}
		return struct{}{}, m.stream(ctx, turnID, body)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
	if errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	return err
}

// finish seals the assistant turn.
func (m *Manager) finish(turnID string, err error) {
	var streamErr *StreamError
	_, updateErr := m.session.Update(turnID, func(t *models.Turn) {
		switch {
		case err == nil:
			t.Status = models.TurnComplete
			return
		case errors.As(err, &streamErr):
			t.Error = streamErr.Message
		case errors.Is(err, ErrCanceled):
			t.Error = ErrCanceled.Error()
		case errors.Is(err, ErrRetriesExhausted):
			t.Error = fmt.Sprintf("Could not reach the server after %d attempts. Please try again.", m.cfg.MaxRetries+1)
		case errors.Is(err, ErrEmptyHistory):
			t.Error = ErrEmptyHistory.Error()
		default:
			t.Error = err.Error()
		}
		t.Status = models.TurnError
	})
	if updateErr != nil {
		m.logger.Warn("failed to seal turn", "turn", turnID, "error", updateErr)
	}
}

func (m *Manager) discardPartial(turnID string) {
	_, _ = m.session.Update(turnID, func(t *models.Turn) {
		t.Content = ""
		t.Artifacts = nil
		t.Blocks = nil
	})
}

// stream runs one attempt. Transport failures come back as *TransportError;
// parent cancellation comes back as the context error.
func (m *Manager) stream(ctx context.Context, turnID string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, m.cfg.ServerURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if m.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.Token)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return m.transportErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &TransportError{StatusCode: resp.StatusCode}
	}

	reader := sse.NewEventStreamReader(resp.Body, maxEventBytes)
	for {
		event, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return m.transportErr(ctx, errIncompleteStream)
			}
			return m.transportErr(ctx, err)
		}
		data, ok := eventData(event)
		if !ok {
			continue
		}
		if data == models.DoneSentinel {
			return nil
		}
		var frame models.Frame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return m.transportErr(ctx, fmt.Errorf("malformed frame: %w", err))
		}
		if m.onFrame != nil {
			m.onFrame(frame)
		}
		if frame.Error != "" {
			return &StreamError{Message: frame.Error}
		}
		m.apply(turnID, frame)
	}
}

func (m *Manager) apply(turnID string, frame models.Frame) {
	if frame.Content == "" && frame.Artifact == nil {
		return
	}
	_, err := m.session.Update(turnID, func(t *models.Turn) {
		t.Content += frame.Content
		if frame.Artifact != nil {
			t.Artifacts = append(t.Artifacts, *frame.Artifact)
		}
	})
	if err != nil {
		m.logger.Debug("dropping frame", "turn", turnID, "error", err)
	}
}

func (m *Manager) transportErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TransportError{Err: err}
}

// eventData joins the data lines of one SSE event.
func eventData(event []byte) (string, bool) {
	var parts []string
	for _, line := range strings.Split(string(event), "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		parts = append(parts, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}
