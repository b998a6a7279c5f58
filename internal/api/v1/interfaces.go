package v1

import (
	"context"

	"github.com/gosuda/datapr/internal/conversation"
	"github.com/gosuda/datapr/internal/domain"
)

// Conversations abstracts the slot-filling manager for handler testing.
// *conversation.Manager satisfies this interface.
type Conversations interface {
	HandleTurn(ctx context.Context, sessionID, text string) (*conversation.TurnResult, error)
}

// Requests abstracts the provisioning ledger for handler testing.
// The postgres RequestRepo satisfies this interface.
type Requests interface {
	GetByID(ctx context.Context, id string) (*domain.Request, error)
	Complete(ctx context.Context, id, artifactURL string) error
	Fail(ctx context.Context, id, errSummary string) error
}
