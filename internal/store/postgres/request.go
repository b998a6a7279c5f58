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

// RequestRepo is the authoritative ledger for dispatched requests. Status
// moves forward only: completed rows are immutable, enforced in the UPDATE
// predicates rather than in application code so concurrent workers cannot
// race past the guard.
type RequestRepo struct {
	pool *pgxpool.Pool
}

func NewRequestRepo(pool *pgxpool.Pool) *RequestRepo {
	return &RequestRepo{pool: pool}
}

func (r *RequestRepo) Create(ctx context.Context, req *domain.Request) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("requestRepo.Create: encode payload: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO requests (request_id, session_id, payload, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		req.ID, req.SessionID, payload, req.Status, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("requestRepo.Create: %w", err)
	}

	return nil
}

func (r *RequestRepo) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	var (
		req          domain.Request
		payloadBytes []byte
		artifactURL  *string
		errSummary   *string
	)

	err := r.pool.QueryRow(ctx,
		`SELECT request_id, session_id, payload, status, artifact_url, error, created_at, updated_at
		 FROM requests WHERE request_id = $1`,
		id,
	).Scan(&req.ID, &req.SessionID, &payloadBytes, &req.Status, &artifactURL, &errSummary, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("requestRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("requestRepo.GetByID: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &req.Payload); err != nil {
		return nil, fmt.Errorf("requestRepo.GetByID: decode payload: %w", err)
	}
	if artifactURL != nil {
		req.ArtifactURL = *artifactURL
	}
	if errSummary != nil {
		req.Error = *errSummary
	}

	return &req, nil
}

// MarkProcessing moves a request to processing. Idempotent: re-marking a
// processing request is harmless. A completed request is left untouched and
// reported via ErrAlreadyCompleted so redeliveries can short-circuit.
func (r *RequestRepo) MarkProcessing(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE requests SET status = $2, updated_at = now()
		 WHERE request_id = $1 AND status <> $3`,
		id, domain.RequestStatusProcessing, domain.RequestStatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("requestRepo.MarkProcessing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.zeroRowsErr(ctx, id, "requestRepo.MarkProcessing")
	}

	return nil
}

func (r *RequestRepo) Complete(ctx context.Context, id, artifactURL string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE requests SET status = $2, artifact_url = $3, error = NULL, updated_at = now()
		 WHERE request_id = $1 AND status <> $2`,
		id, domain.RequestStatusCompleted, artifactURL,
	)
	if err != nil {
		return fmt.Errorf("requestRepo.Complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.zeroRowsErr(ctx, id, "requestRepo.Complete")
	}

	return nil
}

func (r *RequestRepo) Fail(ctx context.Context, id, errSummary string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE requests SET status = $2, error = $3, updated_at = now()
		 WHERE request_id = $1 AND status <> $4`,
		id, domain.RequestStatusFailed, errSummary, domain.RequestStatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("requestRepo.Fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.zeroRowsErr(ctx, id, "requestRepo.Fail")
	}

	return nil
}

// zeroRowsErr disambiguates a zero-row update: the row is either missing or
// already completed (and therefore immutable).
func (r *RequestRepo) zeroRowsErr(ctx context.Context, id, caller string) error {
	var status domain.RequestStatus
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM requests WHERE request_id = $1`, id,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", caller, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", caller, err)
	}

	if status == domain.RequestStatusCompleted {
		return fmt.Errorf("%s: %w", caller, domain.ErrAlreadyCompleted)
	}
	return fmt.Errorf("%s: no rows updated for status %q: %w", caller, status, domain.ErrConflict)
}
