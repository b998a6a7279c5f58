package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/datapr/internal/secrets"
)

// SecretRepo implements secrets.SecretRepository using PostgreSQL.
type SecretRepo struct {
	pool *pgxpool.Pool
}

func NewSecretRepo(pool *pgxpool.Pool) *SecretRepo {
	return &SecretRepo{pool: pool}
}

// Upsert inserts or replaces an encrypted secret by name.
func (r *SecretRepo) Upsert(ctx context.Context, s *secrets.Secret) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO secrets (name, value, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		s.Name, s.Value, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("secretRepo.Upsert: %w", err)
	}

	return nil
}

// GetByName retrieves an encrypted secret by name.
func (r *SecretRepo) GetByName(ctx context.Context, name string) (*secrets.Secret, error) {
	var s secrets.Secret

	err := r.pool.QueryRow(ctx,
		`SELECT name, value, created_at, updated_at FROM secrets WHERE name = $1`,
		name,
	).Scan(&s.Name, &s.Value, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("secretRepo.GetByName: %w", secrets.ErrSecretNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("secretRepo.GetByName: %w", err)
	}

	return &s, nil
}

// Delete removes a secret by name.
func (r *SecretRepo) Delete(ctx context.Context, name string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM secrets WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("secretRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("secretRepo.Delete: %w", secrets.ErrSecretNotFound)
	}

	return nil
}
