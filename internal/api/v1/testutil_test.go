package v1_test

import (
	"context"

	"github.com/gosuda/datapr/internal/conversation"
	"github.com/gosuda/datapr/internal/domain"
)

// ---------------------------------------------------------------------------
// Mock Conversations
// ---------------------------------------------------------------------------

type mockConversations struct {
	handleTurnFunc func(ctx context.Context, sessionID, text string) (*conversation.TurnResult, error)
}

func (m *mockConversations) HandleTurn(ctx context.Context, sessionID, text string) (*conversation.TurnResult, error) {
	return m.handleTurnFunc(ctx, sessionID, text)
}

// ---------------------------------------------------------------------------
// Mock Requests
// ---------------------------------------------------------------------------

type mockRequests struct {
	getByIDFunc  func(ctx context.Context, id string) (*domain.Request, error)
	completeFunc func(ctx context.Context, id, artifactURL string) error
	failFunc     func(ctx context.Context, id, errSummary string) error
}

func (m *mockRequests) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockRequests) Complete(ctx context.Context, id, artifactURL string) error {
	return m.completeFunc(ctx, id, artifactURL)
}

func (m *mockRequests) Fail(ctx context.Context, id, errSummary string) error {
	return m.failFunc(ctx, id, errSummary)
}
