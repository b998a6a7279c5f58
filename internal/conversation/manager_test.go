package conversation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/datapr/internal/conversation"
	"github.com/gosuda/datapr/internal/domain"
)

// ---------------------------------------------------------------------------
// In-memory session repository
// ---------------------------------------------------------------------------

type memSessionRepo struct {
	sessions map[string]*domain.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*domain.Session)}
}

func (m *memSessionRepo) GetOrCreate(_ context.Context, id string) (*domain.Session, error) {
	if s, ok := m.sessions[id]; ok {
		cp := *s
		cp.Messages = append([]domain.Message(nil), s.Messages...)
		cp.Fields = copyMap(s.Fields)
		return &cp, nil
	}

	now := time.Now().UTC()
	s := &domain.Session{
		ID:        id,
		Messages:  nil,
		Fields:    map[string]string{},
		Status:    domain.SessionStatusCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[id] = s
	cp := *s
	return &cp, nil
}

func (m *memSessionRepo) AppendMessage(_ context.Context, id string, msg domain.Message) error {
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Messages = append(s.Messages, msg)
	return nil
}

func (m *memSessionRepo) SetFields(_ context.Context, id string, fields map[string]string) error {
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Fields = copyMap(fields)
	return nil
}

func (m *memSessionRepo) SetStatus(_ context.Context, id string, status domain.SessionStatus) error {
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *memSessionRepo) MarkDispatched(_ context.Context, id, requestID string) error {
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Status = domain.SessionStatusDispatched
	s.RequestID = &requestID
	return nil
}

func (m *memSessionRepo) Reset(_ context.Context, id string) error {
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Fields = map[string]string{}
	s.RequestID = nil
	s.Status = domain.SessionStatusCollecting
	return nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Mock request ledger, extractor, dispatcher
// ---------------------------------------------------------------------------

type mockRequestRepo struct {
	createFunc  func(ctx context.Context, r *domain.Request) error
	getByIDFunc func(ctx context.Context, id string) (*domain.Request, error)
}

func (m *mockRequestRepo) Create(ctx context.Context, r *domain.Request) error {
	return m.createFunc(ctx, r)
}

func (m *mockRequestRepo) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockRequestRepo) MarkProcessing(context.Context, string) error { return nil }
func (m *mockRequestRepo) Complete(context.Context, string, string) error {
	return nil
}
func (m *mockRequestRepo) Fail(context.Context, string, string) error { return nil }

type mockExtractor struct {
	extractFunc func(ctx context.Context, message string, history []domain.Message) (map[string]string, error)
}

func (m *mockExtractor) Extract(ctx context.Context, message string, history []domain.Message) (map[string]string, error) {
	return m.extractFunc(ctx, message, history)
}

type mockDispatcher struct {
	publishFunc func(ctx context.Context, msg domain.DispatchMessage) error
	wakeCalled  bool
	wakeErr     error
}

func (m *mockDispatcher) Publish(ctx context.Context, msg domain.DispatchMessage) error {
	return m.publishFunc(ctx, msg)
}

func (m *mockDispatcher) Wake(context.Context) error {
	m.wakeCalled = true
	return m.wakeErr
}

// ---------------------------------------------------------------------------
// TestHandleTurn — slot collection
// ---------------------------------------------------------------------------

func TestHandleTurn_PartialExtraction(t *testing.T) {
	t.Parallel()

	sessions := newMemSessionRepo()
	extractor := &mockExtractor{
		extractFunc: func(_ context.Context, _ string, _ []domain.Message) (map[string]string, error) {
			return map[string]string{
				domain.SlotDatasetName: "sales_data",
				domain.SlotLocation:    "us-central1",
			}, nil
		},
	}
	mgr := conversation.NewManager(sessions, &mockRequestRepo{}, extractor, &mockDispatcher{})

	result, err := mgr.HandleTurn(context.Background(), "", "create a dataset called sales_data in us-central1")
	require.NoError(t, err)

	assert.Equal(t, conversation.TurnStatusCollecting, result.Status)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, "sales_data", result.Fields[domain.SlotDatasetName])
	assert.Equal(t, "us-central1", result.Fields[domain.SlotLocation])
	assert.Contains(t, result.Message, "labels")
	assert.Contains(t, result.Message, "service account")

	// User turn and assistant follow-up are both on the record.
	stored := sessions.sessions[result.SessionID]
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, domain.RoleUser, stored.Messages[0].Role)
	assert.Equal(t, domain.RoleAssistant, stored.Messages[1].Role)
	assert.Equal(t, domain.SessionStatusCollecting, stored.Status)
}

func TestHandleTurn_MonotonicMergeAcrossTurns(t *testing.T) {
	t.Parallel()

	sessions := newMemSessionRepo()
	turn := 0
	extractor := &mockExtractor{
		extractFunc: func(_ context.Context, _ string, _ []domain.Message) (map[string]string, error) {
			turn++
			if turn == 1 {
				return map[string]string{domain.SlotDatasetName: "sales_data"}, nil
			}
			// Second extraction returns an empty dataset_name; it must not
			// clear the collected value.
			return map[string]string{
				domain.SlotDatasetName: "",
				domain.SlotLocation:    "EU",
			}, nil
		},
	}
	mgr := conversation.NewManager(sessions, &mockRequestRepo{}, extractor, &mockDispatcher{})

	first, err := mgr.HandleTurn(context.Background(), "sess-1", "call it sales_data")
	require.NoError(t, err)
	second, err := mgr.HandleTurn(context.Background(), "sess-1", "put it in the EU")
	require.NoError(t, err)

	assert.Equal(t, "sales_data", first.Fields[domain.SlotDatasetName])
	assert.Equal(t, "sales_data", second.Fields[domain.SlotDatasetName])
	assert.Equal(t, "EU", second.Fields[domain.SlotLocation])
}

func TestHandleTurn_ExtractionFailureLeavesFieldsUntouched(t *testing.T) {
	t.Parallel()

	sessions := newMemSessionRepo()
	_, err := sessions.GetOrCreate(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NoError(t, sessions.SetFields(context.Background(), "sess-1", map[string]string{domain.SlotDatasetName: "sales_data"}))

	extractor := &mockExtractor{
		extractFunc: func(_ context.Context, _ string, _ []domain.Message) (map[string]string, error) {
			return nil, errors.New("model unavailable")
		},
	}
	mgr := conversation.NewManager(sessions, &mockRequestRepo{}, extractor, &mockDispatcher{})

	result, err := mgr.HandleTurn(context.Background(), "sess-1", "???")
	require.NoError(t, err)

	assert.Equal(t, conversation.TurnStatusCollecting, result.Status)
	assert.Contains(t, result.Message, "rephrase")
	assert.Equal(t, "sales_data", sessions.sessions["sess-1"].Fields[domain.SlotDatasetName])
}

// ---------------------------------------------------------------------------
// TestHandleTurn — completion and dispatch
// ---------------------------------------------------------------------------

func fullExtraction() map[string]string {
	return map[string]string{
		domain.SlotDatasetName:    "sales_data",
		domain.SlotLocation:       "us-central1",
		domain.SlotLabels:         "env:prod,team:marketing",
		domain.SlotServiceAccount: "sa@project.iam.gserviceaccount.com",
	}
}

func TestHandleTurn_CompletionDispatchesOnce(t *testing.T) {
	t.Parallel()

	sessions := newMemSessionRepo()

	var created *domain.Request
	requests := &mockRequestRepo{
		createFunc: func(_ context.Context, r *domain.Request) error {
			created = r
			return nil
		},
	}

	var published *domain.DispatchMessage
	dispatcher := &mockDispatcher{
		publishFunc: func(_ context.Context, msg domain.DispatchMessage) error {
			published = &msg
			return nil
		},
	}

	extractor := &mockExtractor{
		extractFunc: func(_ context.Context, _ string, _ []domain.Message) (map[string]string, error) {
			return fullExtraction(), nil
		},
	}
	mgr := conversation.NewManager(sessions, requests, extractor, dispatcher)

	result, err := mgr.HandleTurn(context.Background(), "sess-1", "all the details in one go")
	require.NoError(t, err)

	assert.Equal(t, conversation.TurnStatusProcessing, result.Status)
	require.NotNil(t, created)
	assert.Equal(t, created.ID, result.RequestID)
	assert.Equal(t, domain.RequestStatusPending, created.Status)
	assert.Equal(t, "sess-1", created.SessionID)
	assert.Equal(t, map[string]string{"env": "prod", "team": "marketing"}, created.Payload.Labels)

	require.NotNil(t, published)
	assert.Equal(t, created.ID, published.RequestID)
	assert.Equal(t, "sales_data", published.DatasetName)
	assert.True(t, dispatcher.wakeCalled, "eager wake hint must be attempted after publish")

	stored := sessions.sessions["sess-1"]
	assert.Equal(t, domain.SessionStatusDispatched, stored.Status)
	require.NotNil(t, stored.RequestID)
	assert.Equal(t, created.ID, *stored.RequestID)
}

func TestHandleTurn_WakeFailureIsNotAnError(t *testing.T) {
	t.Parallel()

	sessions := newMemSessionRepo()
	requests := &mockRequestRepo{
		createFunc: func(_ context.Context, _ *domain.Request) error { return nil },
	}
	dispatcher := &mockDispatcher{
		publishFunc: func(_ context.Context, _ domain.DispatchMessage) error { return nil },
		wakeErr:     errors.New("worker unreachable"),
	}
	extractor := &mockExtractor{
		extractFunc: func(_ context.Context, _ string, _ []domain.Message) (map[string]string, error) {
			return fullExtraction(), nil
		},
	}
	mgr := conversation.NewManager(sessions, requests, extractor, dispatcher)

	result, err := mgr.HandleTurn(context.Background(), "sess-1", "everything")
	require.NoError(t, err)
	assert.Equal(t, conversation.TurnStatusProcessing, result.Status)
	assert.Equal(t, domain.SessionStatusDispatched, sessions.sessions["sess-1"].Status)
}

func TestHandleTurn_PublishFailureMarksSessionErrored(t *testing.T) {
	t.Parallel()

	sessions := newMemSessionRepo()
	requests := &mockRequestRepo{
		createFunc: func(_ context.Context, _ *domain.Request) error { return nil },
	}
	dispatcher := &mockDispatcher{
		publishFunc: func(_ context.Context, _ domain.DispatchMessage) error {
			return errors.New("queue down")
		},
	}
	extractor := &mockExtractor{
		extractFunc: func(_ context.Context, _ string, _ []domain.Message) (map[string]string, error) {
			return fullExtraction(), nil
		},
	}
	mgr := conversation.NewManager(sessions, requests, extractor, dispatcher)

	result, err := mgr.HandleTurn(context.Background(), "sess-1", "everything")
	require.NoError(t, err)

	assert.Equal(t, conversation.TurnStatusError, result.Status)
	assert.Contains(t, result.Message, "try again")
	assert.Equal(t, domain.SessionStatusErrored, sessions.sessions["sess-1"].Status)
	// Fields survive so the retry turn can re-dispatch.
	assert.Equal(t, "sales_data", sessions.sessions["sess-1"].Fields[domain.SlotDatasetName])
}

func TestHandleTurn_ErroredSessionRetriesWithNewRequestID(t *testing.T) {
	t.Parallel()

	sessions := newMemSessionRepo()

	var ids []string
	requests := &mockRequestRepo{
		createFunc: func(_ context.Context, r *domain.Request) error {
			ids = append(ids, r.ID)
			return nil
		},
	}

	publishCalls := 0
	dispatcher := &mockDispatcher{
		publishFunc: func(_ context.Context, _ domain.DispatchMessage) error {
			publishCalls++
			if publishCalls == 1 {
				return errors.New("queue down")
			}
			return nil
		},
	}
	extractor := &mockExtractor{
		extractFunc: func(_ context.Context, _ string, _ []domain.Message) (map[string]string, error) {
			return fullExtraction(), nil
		},
	}
	mgr := conversation.NewManager(sessions, requests, extractor, dispatcher)

	first, err := mgr.HandleTurn(context.Background(), "sess-1", "everything")
	require.NoError(t, err)
	require.Equal(t, conversation.TurnStatusError, first.Status)

	second, err := mgr.HandleTurn(context.Background(), "sess-1", "please retry")
	require.NoError(t, err)

	assert.Equal(t, conversation.TurnStatusProcessing, second.Status)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1], "retry must dispatch under a fresh request id")
}

// ---------------------------------------------------------------------------
// TestHandleTurn — dispatched and fulfilled sessions
// ---------------------------------------------------------------------------

func TestHandleTurn_DispatchedSessionReportsInFlightRequest(t *testing.T) {
	t.Parallel()

	sessions := newMemSessionRepo()
	_, err := sessions.GetOrCreate(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NoError(t, sessions.MarkDispatched(context.Background(), "sess-1", "req-1"))

	requests := &mockRequestRepo{
		getByIDFunc: func(_ context.Context, id string) (*domain.Request, error) {
			return &domain.Request{ID: id, Status: domain.RequestStatusProcessing}, nil
		},
	}
	extractor := &mockExtractor{
		extractFunc: func(_ context.Context, _ string, _ []domain.Message) (map[string]string, error) {
			t.Fatal("extractor must not be called while a request is in flight")
			return nil, nil
		},
	}
	mgr := conversation.NewManager(sessions, requests, extractor, &mockDispatcher{})

	result, err := mgr.HandleTurn(context.Background(), "sess-1", "how is it going?")
	require.NoError(t, err)

	assert.Equal(t, conversation.TurnStatusProcessing, result.Status)
	assert.Equal(t, "req-1", result.RequestID)
	assert.Contains(t, result.Message, "req-1")
}

func TestHandleTurn_CompletedRequestStartsNewCycle(t *testing.T) {
	t.Parallel()

	sessions := newMemSessionRepo()
	_, err := sessions.GetOrCreate(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NoError(t, sessions.SetFields(context.Background(), "sess-1", fullExtraction()))
	require.NoError(t, sessions.MarkDispatched(context.Background(), "sess-1", "req-1"))

	requests := &mockRequestRepo{
		getByIDFunc: func(_ context.Context, id string) (*domain.Request, error) {
			return &domain.Request{ID: id, Status: domain.RequestStatusCompleted, ArtifactURL: "https://github.com/org/repo/pull/7"}, nil
		},
	}
	extractor := &mockExtractor{
		extractFunc: func(_ context.Context, _ string, _ []domain.Message) (map[string]string, error) {
			return map[string]string{domain.SlotDatasetName: "next_dataset"}, nil
		},
	}
	mgr := conversation.NewManager(sessions, requests, extractor, &mockDispatcher{})

	result, err := mgr.HandleTurn(context.Background(), "sess-1", "now create next_dataset")
	require.NoError(t, err)

	// A new collection cycle: old fields cleared, only the new extraction kept.
	assert.Equal(t, conversation.TurnStatusCollecting, result.Status)
	assert.Equal(t, "next_dataset", result.Fields[domain.SlotDatasetName])
	assert.Empty(t, result.Fields[domain.SlotLocation])
	assert.Nil(t, sessions.sessions["sess-1"].RequestID)
}
