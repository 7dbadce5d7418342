// Package webhook implements the inbound HTTP surface: a single
// endpoint that accepts chat-platform approval callbacks, hands them to
// the dispatch pipeline's in-memory response history (they are not
// written to the spool), sends a best-effort chat-side acknowledgement,
// and fans a notification out to every subscriber of the originating
// session.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ccbridge/control-plane/auth"
	"github.com/ccbridge/control-plane/internal/event"
	"github.com/ccbridge/control-plane/resilience"
)

// Acknowledger sends the chat-side "we got your response" message.
// Implemented by a thin adapter over dispatch.Pipeline.SendMessage in
// production. A failure is not logged by the server and does not fail
// the request; it only sets acknowledgement_sent to false in the
// response.
type Acknowledger interface {
	Acknowledge(ctx context.Context, taskID, action string) error
}

// Notifier records a parsed Response and fans it out to the originating
// session's subscribers. Implemented by dispatch.Pipeline.NotifyResponse.
type Notifier interface {
	NotifyResponse(sessionID string, r event.Response)
}

// RateLimiter gates inbound requests; returns false when the bucket is
// empty so the handler can answer 429. Allow takes no source, so one
// limiter is shared by all callers.
type RateLimiter interface {
	Allow() bool
}

// inboundPayload is the JSON body accepted by POST /webhook/bridge-response.
type inboundPayload struct {
	Type          string `json:"type"`
	CallbackData  string `json:"callback_data"`
	UserID        int64  `json:"user_id"`
	Username      string `json:"username,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// responsePayload is the JSON body returned by POST /webhook/bridge-response.
type responsePayload struct {
	Success               bool   `json:"success"`
	CorrelationID         string `json:"correlation_id,omitempty"`
	Action                string `json:"action"`
	TaskID                string `json:"task_id"`
	AcknowledgementSent   bool   `json:"acknowledgement_sent"`
	ProcessingMS          int64  `json:"processing_ms"`
}

// errorPayload is the JSON body returned on 4xx/5xx.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Config tunes the server.
type Config struct {
	// SessionID identifies which dispatch-pipeline session callbacks get
	// fanned out to. The webhook has no per-request session routing in
	// this revision — every callback belongs to the single orchestrator
	// session the bridge serves.
	SessionID string
}

// Server is the webhook's HTTP surface, mountable on any http.ServeMux
// or, as here, its own chi.Mux.
type Server struct {
	cfg          Config
	notifier     Notifier
	ack          Acknowledger
	authenticator auth.Authenticator
	authEnabled  bool
	limiter      RateLimiter
	mux          *chi.Mux
	startedAt    time.Time
}

// New builds a Server. authenticator may be nil only if authEnabled is
// false. limiter may be nil to disable rate limiting.
func New(cfg Config, notifier Notifier, ack Acknowledger, authenticator auth.Authenticator, authEnabled bool, limiter RateLimiter) *Server {
	s := &Server{
		cfg:          cfg,
		notifier:     notifier,
		ack:          ack,
		authenticator: authenticator,
		authEnabled:  authEnabled,
		limiter:      limiter,
		startedAt:    time.Now(),
	}
	s.mux = chi.NewRouter()
	s.mux.Get("/health", s.handleHealth)
	s.mux.Post("/webhook/bridge-response", s.handleCallback)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "ccbridge-webhook",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":  time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
		return
	}

	if s.authEnabled {
		req := &auth.AuthRequest{Headers: r.Header}
		result, err := s.authenticator.Authenticate(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "PROCESSING_ERROR", "authentication failed")
			return
		}
		if !result.Authenticated {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials")
			return
		}
	}

	var payload inboundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "malformed JSON body")
		return
	}
	if payload.CallbackData == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "callback_data is required")
		return
	}

	ts, err := time.Parse(time.RFC3339, payload.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}

	action, taskID := event.ParseCallbackData(payload.CallbackData)

	resp := event.Response{
		CallbackData:  payload.CallbackData,
		Action:        action,
		TaskID:        taskID,
		UserID:        payload.UserID,
		Username:      payload.Username,
		FirstName:     payload.FirstName,
		Timestamp:     ts,
		CorrelationID: payload.CorrelationID,
	}

	s.notifier.NotifyResponse(s.cfg.SessionID, resp)

	ackSent := false
	if action != "unknown" && s.ack != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		if err := s.ack.Acknowledge(ctx, taskID, action); err == nil {
			ackSent = true
		}
		cancel()
	}

	writeJSON(w, http.StatusOK, responsePayload{
		Success:             true,
		CorrelationID:       payload.CorrelationID,
		Action:              action,
		TaskID:              taskID,
		AcknowledgementSent: ackSent,
		ProcessingMS:        time.Since(start).Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorPayload{Code: code, Message: message})
}

// ResilientAcknowledger wraps a raw send function with the resilience
// middleware so a flaky chat API can't make acknowledgement dispatch
// hang the webhook past its own request handling.
type ResilientAcknowledger struct {
	Executor *resilience.Executor
	Send     func(ctx context.Context, taskID, action string) error
}

// Acknowledge implements Acknowledger.
func (r *ResilientAcknowledger) Acknowledge(ctx context.Context, taskID, action string) error {
	return r.Executor.Execute(ctx, func(opCtx context.Context) error {
		return r.Send(opCtx, taskID, action)
	})
}
