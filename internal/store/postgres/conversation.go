package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/datapr/internal/domain"
)

// ConversationRepo persists session documents. Messages and fields live in
// JSONB columns so every mutation is a single-row (and therefore atomic)
// update; message appends happen server-side with the || operator so a
// concurrent append cannot drop a turn.
type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

func (r *ConversationRepo) GetOrCreate(ctx context.Context, id string) (*domain.Session, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversations (session_id, status, fields, messages, created_at, updated_at)
		 VALUES ($1, $2, '{}'::jsonb, '[]'::jsonb, now(), now())
		 ON CONFLICT (session_id) DO NOTHING`,
		id, domain.SessionStatusCollecting,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.GetOrCreate: insert: %w", err)
	}

	return r.get(ctx, id, "conversationRepo.GetOrCreate")
}

func (r *ConversationRepo) get(ctx context.Context, id, caller string) (*domain.Session, error) {
	var (
		s             domain.Session
		fieldsBytes   []byte
		messagesBytes []byte
	)

	err := r.pool.QueryRow(ctx,
		`SELECT session_id, status, fields, messages, request_id, created_at, updated_at
		 FROM conversations WHERE session_id = $1`,
		id,
	).Scan(&s.ID, &s.Status, &fieldsBytes, &messagesBytes, &s.RequestID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", caller, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", caller, err)
	}

	if err := json.Unmarshal(fieldsBytes, &s.Fields); err != nil {
		return nil, fmt.Errorf("%s: decode fields: %w", caller, err)
	}
	if err := json.Unmarshal(messagesBytes, &s.Messages); err != nil {
		return nil, fmt.Errorf("%s: decode messages: %w", caller, err)
	}
	if s.Fields == nil {
		s.Fields = map[string]string{}
	}

	return &s, nil
}

func (r *ConversationRepo) AppendMessage(ctx context.Context, id string, msg domain.Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("conversationRepo.AppendMessage: encode: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations
		 SET messages = messages || $2::jsonb, updated_at = now()
		 WHERE session_id = $1`,
		id, encoded,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.AppendMessage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversationRepo.AppendMessage: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *ConversationRepo) SetFields(ctx context.Context, id string, fields map[string]string) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("conversationRepo.SetFields: encode: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET fields = $2::jsonb, updated_at = now() WHERE session_id = $1`,
		id, encoded,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.SetFields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversationRepo.SetFields: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *ConversationRepo) SetStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET status = $2, updated_at = now() WHERE session_id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.SetStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversationRepo.SetStatus: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *ConversationRepo) MarkDispatched(ctx context.Context, id, requestID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations
		 SET status = $2, request_id = $3, updated_at = now()
		 WHERE session_id = $1`,
		id, domain.SessionStatusDispatched, requestID,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.MarkDispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversationRepo.MarkDispatched: %w", domain.ErrNotFound)
	}

	return nil
}

// Reset starts a new collection cycle: fields and the request link are
// cleared, status returns to collecting. History is kept for context.
func (r *ConversationRepo) Reset(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations
		 SET status = $2, fields = '{}'::jsonb, request_id = NULL, updated_at = now()
		 WHERE session_id = $1`,
		id, domain.SessionStatusCollecting,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.Reset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversationRepo.Reset: %w", domain.ErrNotFound)
	}

	return nil
}
