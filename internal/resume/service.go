// Package resume holds the resume service's handlers for the events and
// requests it receives over the bus, and its client for the user service.
package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/resumebus/internal/status"
	"github.com/glimte/resumebus/messaging"
)

// Event types consumed by the resume service
const (
	EventResumeUploaded = "RESUME_UPLOADED"
	EventResumeDeleted  = "RESUME_DELETED"
)

// Request types answered by the resume service
const (
	RequestResumeStatus = "GET_RESUME_STATUS"
	RequestPing         = "ping"
	RequestEcho         = "echo"
)

// cachedArtifacts are derived from a resume's content and go stale when
// the resume changes
var cachedArtifacts = []status.Namespace{
	status.NamespaceResumeRawText,
	status.NamespaceEnhancedResume,
	status.NamespaceFeedback,
}

// StatusStore is the part of *status.Store the handlers need
type StatusStore interface {
	Set(ctx context.Context, ns status.Namespace, id, value string) error
	Delete(ctx context.Context, id string, namespaces ...status.Namespace) error
	SetStatus(ctx context.Context, id string, st status.Status, at time.Time) error
	GetStatus(ctx context.Context, id string) (status.Status, time.Time, error)
}

// ResumeEvent is the data of RESUME_UPLOADED and RESUME_DELETED events
type ResumeEvent struct {
	ResumeID string `json:"resumeId"`
	UserID   string `json:"userId,omitempty"`
}

// StatusRequest is the data of a GET_RESUME_STATUS request
type StatusRequest struct {
	ResumeID string `json:"resumeId"`
}

// StatusResponse answers a GET_RESUME_STATUS request
type StatusResponse struct {
	ResumeID  string        `json:"resumeId"`
	Status    status.Status `json:"status"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// PingResponse answers a ping request
type PingResponse struct {
	Message string `json:"message"`
	Service string `json:"service"`
}

// EchoResponse answers an echo request with the request's data
type EchoResponse struct {
	Status  string `json:"status"`
	Echo    any    `json:"echo"`
	Message string `json:"message"`
}

// Service reacts to resume lifecycle events and answers status requests
type Service struct {
	store  StatusStore
	name   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the handlers for the service called name
func NewService(store StatusStore, name string, options ...Option) *Service {
	s := &Service{
		store:  store,
		name:   name,
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Register adds the service's event and request handlers to r
func (s *Service) Register(r *messaging.Router) error {
	events := map[string]messaging.EventHandlerFunc{
		EventResumeUploaded: s.handleUploaded,
		EventResumeDeleted:  s.handleDeleted,
	}
	for msgType, h := range events {
		if err := r.HandleEventType(msgType, h); err != nil {
			return err
		}
	}

	requests := map[string]messaging.ResponderFunc{
		RequestResumeStatus: s.resumeStatus,
		RequestPing:         s.ping,
		RequestEcho:         s.echo,
	}
	for msgType, h := range requests {
		if err := r.HandleRequestType(msgType, h); err != nil {
			return err
		}
	}

	return nil
}

// handleUploaded marks the resume active, remembers its owner and drops
// artifacts computed from a previous upload
func (s *Service) handleUploaded(ctx context.Context, env messaging.Envelope) error {
	ev, ok := s.decodeEvent(env)
	if !ok {
		return nil
	}

	if err := s.store.SetStatus(ctx, ev.ResumeID, status.StatusActive, s.now()); err != nil {
		return fmt.Errorf("mark resume %s active: %w", ev.ResumeID, err)
	}
	if ev.UserID != "" {
		if err := s.store.Set(ctx, status.NamespaceUser, ev.ResumeID, ev.UserID); err != nil {
			return fmt.Errorf("store owner of resume %s: %w", ev.ResumeID, err)
		}
	}
	if err := s.store.Delete(ctx, ev.ResumeID, cachedArtifacts...); err != nil {
		return fmt.Errorf("invalidate cache of resume %s: %w", ev.ResumeID, err)
	}

	s.logger.Info("resume uploaded", "resumeId", ev.ResumeID, "userId", ev.UserID)
	return nil
}

func (s *Service) handleDeleted(ctx context.Context, env messaging.Envelope) error {
	ev, ok := s.decodeEvent(env)
	if !ok {
		return nil
	}

	if err := s.store.SetStatus(ctx, ev.ResumeID, status.StatusInactive, s.now()); err != nil {
		return fmt.Errorf("mark resume %s inactive: %w", ev.ResumeID, err)
	}
	if err := s.store.Delete(ctx, ev.ResumeID, cachedArtifacts...); err != nil {
		return fmt.Errorf("invalidate cache of resume %s: %w", ev.ResumeID, err)
	}

	s.logger.Info("resume deleted", "resumeId", ev.ResumeID)
	return nil
}

// decodeEvent reports false for events that can never be processed. Those
// are acked after logging since requeueing them would loop forever.
func (s *Service) decodeEvent(env messaging.Envelope) (ResumeEvent, bool) {
	var ev ResumeEvent
	if err := env.Decode(&ev); err != nil {
		s.logger.Warn("ignoring undecodable resume event", "type", env.Type, "error", err)
		return ev, false
	}
	if ev.ResumeID == "" {
		s.logger.Warn("ignoring resume event without resumeId", "type", env.Type)
		return ev, false
	}
	return ev, true
}

func (s *Service) resumeStatus(ctx context.Context, env messaging.Envelope) (any, error) {
	var req StatusRequest
	if err := env.Decode(&req); err != nil {
		return nil, &messaging.HandlerError{Type: env.Type, Code: "invalid_request", Err: err}
	}
	if req.ResumeID == "" {
		return nil, &messaging.HandlerError{Type: env.Type, Code: "invalid_request", Err: errors.New("resumeId is required")}
	}

	st, at, err := s.store.GetStatus(ctx, req.ResumeID)
	if errors.Is(err, status.ErrNotFound) {
		return nil, &messaging.HandlerError{
			Type: env.Type,
			Code: "not_found",
			Err:  fmt.Errorf("no status for resume %s", req.ResumeID),
		}
	}
	if err != nil {
		return nil, err
	}

	return StatusResponse{ResumeID: req.ResumeID, Status: st, UpdatedAt: at}, nil
}

func (s *Service) ping(context.Context, messaging.Envelope) (any, error) {
	return PingResponse{Message: "pong", Service: s.name}, nil
}

func (s *Service) echo(_ context.Context, env messaging.Envelope) (any, error) {
	var data any
	if err := env.Decode(&data); err != nil {
		return nil, &messaging.HandlerError{Type: env.Type, Code: "invalid_request", Err: err}
	}
	return EchoResponse{Status: "success", Echo: data, Message: "Test response received"}, nil
}
