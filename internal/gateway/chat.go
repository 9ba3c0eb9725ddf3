package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Errors returned to clients as 400 responses.
var (
	errBodyTooLarge  = errors.New("request body too large")
	errMalformedBody = errors.New("malformed JSON body")
	errNoMessages    = errors.New("messages must not be empty")
	errLastNotUser   = errors.New("last message must be a non-empty user message")
)

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*models.ChatRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, errMalformedBody
	}
	if len(req.Messages) == 0 {
		return nil, errNoMessages
	}
	if _, ok := req.LastUserMessage(); !ok {
		return nil, errLastNotUser
	}
	return &req, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := s.decodeChatRequest(w, r)
	if err != nil {
		s.logger.DebugContext(ctx, "rejecting chat request", "error", err)
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	history := agent.NormalizeHistory(req.Messages)
	if len(history) == 0 || history[len(history)-1].Role != string(models.RoleUser) {
		writeJSONError(w, http.StatusBadRequest, errLastNotUser.Error())
		return
	}
	message, _ := req.LastUserMessage()

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = observability.AddSessionID(ctx, sessionID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	profile, events, err := s.orchestrator.Start(ctx, ChatInput{
		Message:      message,
		AgentContext: req.AgentContext,
		History:      history,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to start tool loop", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to start agent")
		return
	}
	s.logger.InfoContext(ctx, "chat stream opened", "profile", profile.ID, "history", len(history))

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw := &sseWriter{w: w, flusher: flusher, metrics: s.metrics}
	for {
		select {
		case <-ctx.Done():
			s.logger.DebugContext(ctx, "client disconnected")
			return
		case event, ok := <-events:
			if !ok {
				// The loop always ends with a terminal event; anything else
				// still gets a well-formed ending.
				_ = sw.frame(models.Frame{Error: "stream ended unexpectedly"}, "error")
				_ = sw.done()
				return
			}
			if frame, ok := models.FrameFor(event); ok {
				if err := sw.frame(frame, string(event.Type)); err != nil {
					s.logger.DebugContext(ctx, "stream write failed", "error", err)
					return
				}
			}
			if event.Terminal() {
				_ = sw.done()
				return
			}
		}
	}
}

// sseWriter writes `data:` frames and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	metrics *observability.Metrics
}

func (sw *sseWriter) frame(frame models.Frame, kind string) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	sw.flusher.Flush()
	sw.metrics.RecordFrame(kind)
	return nil
}

func (sw *sseWriter) done() error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", models.DoneSentinel); err != nil {
		return err
	}
	sw.flusher.Flush()
	sw.metrics.RecordFrame("done")
	return nil
}
