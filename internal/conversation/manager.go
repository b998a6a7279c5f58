package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/datapr/internal/domain"
	"github.com/gosuda/datapr/internal/extract"
)

// Dispatcher abstracts the dispatch queue. Publish is the durable handoff;
// Wake is the best-effort eager-processing hint and its failure is never an
// error.
type Dispatcher interface {
	Publish(ctx context.Context, msg domain.DispatchMessage) error
	Wake(ctx context.Context) error
}

// TurnStatus is the caller-facing status of a turn, distinct from the
// session lifecycle states persisted in the store.
type TurnStatus string

const (
	TurnStatusCollecting TurnStatus = "collecting"
	TurnStatusProcessing TurnStatus = "processing"
	TurnStatusCompleted  TurnStatus = "completed"
	TurnStatusError      TurnStatus = "error"
)

// TurnResult is what one handled turn reports back to the transport layer.
type TurnResult struct {
	Message     string
	SessionID   string
	Status      TurnStatus
	RequestID   string
	ArtifactURL string
	Fields      map[string]string
}

// Manager owns per-session slot filling: merge semantics, completion
// detection and the dispatch transaction. All collaborators are injected;
// the manager holds no mutable state of its own, so concurrent turns on
// different sessions are independent.
type Manager struct {
	sessions  domain.SessionRepository
	requests  domain.RequestRepository
	extractor extract.Extractor
	queue     Dispatcher
}

func NewManager(sessions domain.SessionRepository, requests domain.RequestRepository, extractor extract.Extractor, queue Dispatcher) *Manager {
	return &Manager{
		sessions:  sessions,
		requests:  requests,
		extractor: extractor,
		queue:     queue,
	}
}

// HandleTurn processes one user turn of a session. A missing session id
// starts a new session.
func (m *Manager) HandleTurn(ctx context.Context, sessionID, text string) (*TurnResult, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	session, err := m.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("conversation.Manager.HandleTurn: load session: %w", err)
	}

	session, result, err := m.advanceLifecycle(ctx, session)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	userMsg := domain.Message{Role: domain.RoleUser, Text: text, Timestamp: time.Now().UTC()}
	if err := m.sessions.AppendMessage(ctx, sessionID, userMsg); err != nil {
		return nil, fmt.Errorf("conversation.Manager.HandleTurn: append user turn: %w", err)
	}

	extracted, err := m.extractor.Extract(ctx, text, session.Messages)
	if err != nil {
		// Recoverable: ask the user to rephrase, leave fields untouched.
		log.Warn().Err(err).Str("session_id", sessionID).Msg("extraction failed")
		return m.respond(ctx, session, rephrasePrompt, TurnStatusCollecting, nil)
	}

	merged := domain.MergeFields(session.Fields, extracted)
	if err := m.sessions.SetFields(ctx, sessionID, merged); err != nil {
		return nil, fmt.Errorf("conversation.Manager.HandleTurn: save fields: %w", err)
	}
	session.Fields = merged

	missing := domain.MissingSlots(merged)
	if len(missing) > 0 {
		prompt := followUpPrompt(merged, missing)
		return m.respond(ctx, session, prompt, TurnStatusCollecting, merged)
	}

	return m.dispatch(ctx, session)
}

// advanceLifecycle applies the pre-turn session transitions: a fulfilled
// session starts a new collection cycle, a dispatched session is checked
// against the ledger (terminal request -> fulfilled -> new cycle; in-flight
// request -> short status reply without touching the extractor), and an
// errored session resumes collecting with its fields intact so the user can
// retry dispatch.
func (m *Manager) advanceLifecycle(ctx context.Context, session *domain.Session) (*domain.Session, *TurnResult, error) {
	if session.Status == domain.SessionStatusDispatched && session.RequestID != nil {
		req, err := m.requests.GetByID(ctx, *session.RequestID)
		if err != nil {
			return nil, nil, fmt.Errorf("conversation.Manager: load linked request: %w", err)
		}

		if !req.Status.Terminal() {
			return session, &TurnResult{
				Message:   inFlightMessage(req.ID),
				SessionID: session.ID,
				Status:    TurnStatusProcessing,
				RequestID: req.ID,
				Fields:    session.Fields,
			}, nil
		}

		if err := m.sessions.SetStatus(ctx, session.ID, domain.SessionStatusFulfilled); err != nil {
			return nil, nil, fmt.Errorf("conversation.Manager: mark fulfilled: %w", err)
		}
		session.Status = domain.SessionStatusFulfilled
	}

	switch session.Status {
	case domain.SessionStatusFulfilled:
		if err := m.sessions.Reset(ctx, session.ID); err != nil {
			return nil, nil, fmt.Errorf("conversation.Manager: reset session: %w", err)
		}
		session.Fields = map[string]string{}
		session.RequestID = nil
		session.Status = domain.SessionStatusCollecting

	case domain.SessionStatusErrored:
		// Fields survive so a retry turn can re-dispatch under a new request id.
		if err := m.sessions.SetStatus(ctx, session.ID, domain.SessionStatusCollecting); err != nil {
			return nil, nil, fmt.Errorf("conversation.Manager: recover errored session: %w", err)
		}
		session.Status = domain.SessionStatusCollecting
	}

	return session, nil, nil
}

// dispatch runs the completion transition: normalize, write the ledger row,
// publish, hint the worker, link the session. The queue publish is the
// durable guarantee; the wake hint may fail freely.
func (m *Manager) dispatch(ctx context.Context, session *domain.Session) (*TurnResult, error) {
	payload := domain.RequestPayload{
		DatasetName:    session.Fields[domain.SlotDatasetName],
		Location:       session.Fields[domain.SlotLocation],
		Labels:         domain.ParseLabels(session.Fields[domain.SlotLabels]),
		ServiceAccount: session.Fields[domain.SlotServiceAccount],
	}

	now := time.Now().UTC()
	req := &domain.Request{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Payload:   payload,
		Status:    domain.RequestStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("conversation.Manager.dispatch: create request: %w", err)
	}

	msg := domain.DispatchMessage{
		RequestID:      req.ID,
		SessionID:      session.ID,
		DatasetName:    payload.DatasetName,
		Location:       payload.Location,
		Labels:         payload.Labels,
		ServiceAccount: payload.ServiceAccount,
	}

	if err := m.queue.Publish(ctx, msg); err != nil {
		// The pending ledger row stays; a user retry dispatches a fresh
		// request id, which is acceptable at this layer.
		log.Error().Err(err).Str("request_id", req.ID).Msg("queue publish failed")
		if stErr := m.sessions.SetStatus(ctx, session.ID, domain.SessionStatusErrored); stErr != nil {
			log.Error().Err(stErr).Str("session_id", session.ID).Msg("failed to mark session errored")
		}
		session.Status = domain.SessionStatusErrored
		return m.respond(ctx, session, transientErrorMessage, TurnStatusError, session.Fields)
	}

	if err := m.queue.Wake(ctx); err != nil {
		log.Warn().Err(err).Str("request_id", req.ID).Msg("eager wake hint failed; scheduled drain will pick up the request")
	}

	if err := m.sessions.MarkDispatched(ctx, session.ID, req.ID); err != nil {
		return nil, fmt.Errorf("conversation.Manager.dispatch: mark dispatched: %w", err)
	}

	log.Info().
		Str("session_id", session.ID).
		Str("request_id", req.ID).
		Str("dataset", payload.DatasetName).
		Msg("request dispatched")

	completion := completionMessage(payload.DatasetName, req.ID)
	result, err := m.respond(ctx, session, completion, TurnStatusProcessing, session.Fields)
	if err != nil {
		return nil, err
	}
	result.RequestID = req.ID
	return result, nil
}

// respond appends the assistant turn and builds the turn result.
func (m *Manager) respond(ctx context.Context, session *domain.Session, message string, status TurnStatus, fields map[string]string) (*TurnResult, error) {
	assistantMsg := domain.Message{Role: domain.RoleAssistant, Text: message, Timestamp: time.Now().UTC()}
	if err := m.sessions.AppendMessage(ctx, session.ID, assistantMsg); err != nil {
		return nil, fmt.Errorf("conversation.Manager.respond: append assistant turn: %w", err)
	}

	return &TurnResult{
		Message:   message,
		SessionID: session.ID,
		Status:    status,
		Fields:    fields,
	}, nil
}
