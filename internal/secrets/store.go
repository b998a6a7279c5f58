package secrets

import (
	"context"
	"fmt"
	"time"
)

// Store is the blocking fetch-by-name interface the worker consumes: it
// loads the encrypted row and decrypts it with the vault key.
type Store struct {
	repo  SecretRepository
	vault *Vault
}

func NewStore(repo SecretRepository, vault *Vault) *Store {
	return &Store{repo: repo, vault: vault}
}

// Get fetches and decrypts the named secret.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	secret, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("secrets.Store.Get: %w", err)
	}

	plaintext, err := s.vault.Decrypt(secret.Value)
	if err != nil {
		return "", fmt.Errorf("secrets.Store.Get: decrypt %q: %w", name, err)
	}

	return plaintext, nil
}

// Put encrypts and stores a named secret, replacing any previous value.
func (s *Store) Put(ctx context.Context, name, plaintext string) error {
	encrypted, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("secrets.Store.Put: encrypt %q: %w", name, err)
	}

	now := time.Now().UTC()
	err = s.repo.Upsert(ctx, &Secret{
		Name:      name,
		Value:     encrypted,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("secrets.Store.Put: %w", err)
	}

	return nil
}
