package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/datapr/internal/domain"
	"github.com/gosuda/datapr/internal/secrets"
)

type Store struct {
	pool          *pgxpool.Pool
	conversations *ConversationRepo
	requests      *RequestRepo
	secrets       *SecretRepo
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	return &Store{
		pool:          pool,
		conversations: NewConversationRepo(pool),
		requests:      NewRequestRepo(pool),
		secrets:       NewSecretRepo(pool),
	}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Conversations() domain.SessionRepository { return s.conversations }
func (s *Store) Requests() domain.RequestRepository      { return s.requests }
func (s *Store) Secrets() secrets.SecretRepository       { return s.secrets }
