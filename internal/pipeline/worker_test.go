package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/datapr/internal/domain"
	redisstore "github.com/gosuda/datapr/internal/store/redis"
)

type mockQueue struct {
	pullFunc        func(ctx context.Context, max int64, block, minIdle time.Duration) ([]redisstore.Delivery, error)
	ackFunc         func(ctx context.Context, ids ...string) error
	wakeChannelFunc func(ctx context.Context) (<-chan struct{}, func(), error)
}

func (m *mockQueue) Pull(ctx context.Context, max int64, block, minIdle time.Duration) ([]redisstore.Delivery, error) {
	if m.pullFunc != nil {
		return m.pullFunc(ctx, max, block, minIdle)
	}
	return nil, nil
}

func (m *mockQueue) Ack(ctx context.Context, ids ...string) error {
	if m.ackFunc != nil {
		return m.ackFunc(ctx, ids...)
	}
	return nil
}

func (m *mockQueue) WakeChannel(ctx context.Context) (<-chan struct{}, func(), error) {
	if m.wakeChannelFunc != nil {
		return m.wakeChannelFunc(ctx)
	}
	ch := make(chan struct{})
	return ch, func() { close(ch) }, nil
}

type mockLedger struct {
	getByIDFunc        func(ctx context.Context, id string) (*domain.Request, error)
	markProcessingFunc func(ctx context.Context, id string) error
	completeFunc       func(ctx context.Context, id, artifactURL string) error
	failFunc           func(ctx context.Context, id, errSummary string) error
}

func (m *mockLedger) Create(ctx context.Context, r *domain.Request) error { return nil }

func (m *mockLedger) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return &domain.Request{ID: id, Status: domain.RequestStatusPending}, nil
}

func (m *mockLedger) MarkProcessing(ctx context.Context, id string) error {
	if m.markProcessingFunc != nil {
		return m.markProcessingFunc(ctx, id)
	}
	return nil
}

func (m *mockLedger) Complete(ctx context.Context, id, artifactURL string) error {
	if m.completeFunc != nil {
		return m.completeFunc(ctx, id, artifactURL)
	}
	return nil
}

func (m *mockLedger) Fail(ctx context.Context, id, errSummary string) error {
	if m.failFunc != nil {
		return m.failFunc(ctx, id, errSummary)
	}
	return nil
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:     10,
		MaxIterations: 5,
		PullBlock:     time.Millisecond,
		ClaimMinIdle:  time.Minute,
	}
}

func deliveryFor(msg domain.DispatchMessage) redisstore.Delivery {
	payload, _ := json.Marshal(msg)
	return redisstore.Delivery{
		ID:          "1700000000-0",
		RequestID:   msg.RequestID,
		DatasetName: msg.DatasetName,
		Payload:     payload,
	}
}

// pulledOnce serves deliveries on the first pull and nothing afterwards.
func pulledOnce(deliveries ...redisstore.Delivery) func(ctx context.Context, max int64, block, minIdle time.Duration) ([]redisstore.Delivery, error) {
	served := false
	return func(ctx context.Context, max int64, block, minIdle time.Duration) ([]redisstore.Delivery, error) {
		if served {
			return nil, nil
		}
		served = true
		return deliveries, nil
	}
}

func TestDrainSuccessAcksAndCompletes(t *testing.T) {
	t.Parallel()

	var acked []string
	queue := &mockQueue{
		pullFunc: pulledOnce(deliveryFor(testMessage())),
		ackFunc: func(ctx context.Context, ids ...string) error {
			acked = append(acked, ids...)
			return nil
		},
	}

	var (
		marked    bool
		completed string
	)
	ledger := &mockLedger{
		markProcessingFunc: func(ctx context.Context, id string) error {
			marked = true
			assert.Equal(t, "req-1", id)
			return nil
		},
		completeFunc: func(ctx context.Context, id, artifactURL string) error {
			completed = artifactURL
			return nil
		},
	}

	p := testProvisioner(&mockGitGateway{}, &mockChangeRequester{}, &mockSecrets{})
	w := NewWorker(queue, ledger, p, testWorkerConfig())

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, marked)
	assert.Equal(t, "https://github.com/acme/terraform/pull/1", completed)
	assert.Equal(t, []string{"1700000000-0"}, acked)
}

func TestDrainPermanentFailureFailsAndAcks(t *testing.T) {
	t.Parallel()

	msg := testMessage()
	msg.DatasetName = "bad/name!"

	var acked []string
	queue := &mockQueue{
		pullFunc: pulledOnce(deliveryFor(msg)),
		ackFunc: func(ctx context.Context, ids ...string) error {
			acked = append(acked, ids...)
			return nil
		},
	}

	var failedWith string
	ledger := &mockLedger{
		failFunc: func(ctx context.Context, id, errSummary string) error {
			assert.Equal(t, "req-1", id)
			failedWith = errSummary
			return nil
		},
	}

	p := testProvisioner(&mockGitGateway{}, &mockChangeRequester{}, &mockSecrets{})
	w := NewWorker(queue, ledger, p, testWorkerConfig())

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "permanent failure is acknowledged to stop redelivery")
	assert.Len(t, acked, 1)
	assert.Contains(t, failedWith, "render")
}

func TestDrainTransientFailureLeavesPending(t *testing.T) {
	t.Parallel()

	var acked []string
	queue := &mockQueue{
		pullFunc: pulledOnce(deliveryFor(testMessage())),
		ackFunc: func(ctx context.Context, ids ...string) error {
			acked = append(acked, ids...)
			return nil
		},
	}

	failed := false
	ledger := &mockLedger{
		failFunc: func(ctx context.Context, id, errSummary string) error {
			failed = true
			return nil
		},
	}

	secrets := &mockSecrets{
		getFunc: func(ctx context.Context, name string) (string, error) {
			return "", errors.New("vault unavailable")
		},
	}
	p := testProvisioner(&mockGitGateway{}, &mockChangeRequester{}, secrets)
	w := NewWorker(queue, ledger, p, testWorkerConfig())

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, acked, "transient failure must stay on the queue")
	assert.True(t, failed, "ledger still records the failed attempt")
}

func TestDrainCompletedRedeliveryShortCircuits(t *testing.T) {
	t.Parallel()

	var acked []string
	queue := &mockQueue{
		pullFunc: pulledOnce(deliveryFor(testMessage())),
		ackFunc: func(ctx context.Context, ids ...string) error {
			acked = append(acked, ids...)
			return nil
		},
	}

	provisioned := false
	git := &mockGitGateway{
		cloneFunc: func(ctx context.Context, dir, token string) (Checkout, error) {
			provisioned = true
			return &mockCheckout{}, nil
		},
	}

	ledger := &mockLedger{
		getByIDFunc: func(ctx context.Context, id string) (*domain.Request, error) {
			return &domain.Request{
				ID:          id,
				Status:      domain.RequestStatusCompleted,
				ArtifactURL: "https://github.com/acme/terraform/pull/7",
			}, nil
		},
		markProcessingFunc: func(ctx context.Context, id string) error {
			t.Fatal("completed request must not be touched")
			return nil
		},
	}

	p := testProvisioner(git, &mockChangeRequester{}, &mockSecrets{})
	w := NewWorker(queue, ledger, p, testWorkerConfig())

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, acked, 1)
	assert.False(t, provisioned, "no second change request for a completed id")
}

func TestDrainCompletedRaceOnMarkProcessing(t *testing.T) {
	t.Parallel()

	queue := &mockQueue{pullFunc: pulledOnce(deliveryFor(testMessage()))}

	provisioned := false
	git := &mockGitGateway{
		cloneFunc: func(ctx context.Context, dir, token string) (Checkout, error) {
			provisioned = true
			return &mockCheckout{}, nil
		},
	}

	// The read sees pending but another worker completes it before the
	// status transition lands.
	ledger := &mockLedger{
		markProcessingFunc: func(ctx context.Context, id string) error {
			return domain.ErrAlreadyCompleted
		},
	}

	p := testProvisioner(git, &mockChangeRequester{}, &mockSecrets{})
	w := NewWorker(queue, ledger, p, testWorkerConfig())

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, provisioned)
}

func TestDrainMalformedPayloadAcked(t *testing.T) {
	t.Parallel()

	var acked []string
	queue := &mockQueue{
		pullFunc: pulledOnce(redisstore.Delivery{
			ID:        "1700000000-1",
			RequestID: "req-garbled",
			Payload:   []byte("{not json"),
		}),
		ackFunc: func(ctx context.Context, ids ...string) error {
			acked = append(acked, ids...)
			return nil
		},
	}

	var failedID string
	ledger := &mockLedger{
		failFunc: func(ctx context.Context, id, errSummary string) error {
			failedID = id
			return nil
		},
	}

	p := testProvisioner(&mockGitGateway{}, &mockChangeRequester{}, &mockSecrets{})
	w := NewWorker(queue, ledger, p, testWorkerConfig())

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, acked, 1)
	assert.Equal(t, "req-garbled", failedID, "failure recorded against the routed id")
}

func TestDrainUnknownRequestDropped(t *testing.T) {
	t.Parallel()

	var acked []string
	queue := &mockQueue{
		pullFunc: pulledOnce(deliveryFor(testMessage())),
		ackFunc: func(ctx context.Context, ids ...string) error {
			acked = append(acked, ids...)
			return nil
		},
	}

	ledger := &mockLedger{
		getByIDFunc: func(ctx context.Context, id string) (*domain.Request, error) {
			return nil, domain.ErrNotFound
		},
	}

	p := testProvisioner(&mockGitGateway{}, &mockChangeRequester{}, &mockSecrets{})
	w := NewWorker(queue, ledger, p, testWorkerConfig())

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, acked, 1)
}

func TestDrainStopsOnEmptyQueue(t *testing.T) {
	t.Parallel()

	pulls := 0
	queue := &mockQueue{
		pullFunc: func(ctx context.Context, max int64, block, minIdle time.Duration) ([]redisstore.Delivery, error) {
			pulls++
			return nil, nil
		},
	}

	p := testProvisioner(&mockGitGateway{}, &mockChangeRequester{}, &mockSecrets{})
	w := NewWorker(queue, &mockLedger{}, p, testWorkerConfig())

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, pulls)
}

func TestDrainHonorsIterationBudget(t *testing.T) {
	t.Parallel()

	pulls := 0
	queue := &mockQueue{
		pullFunc: func(ctx context.Context, max int64, block, minIdle time.Duration) ([]redisstore.Delivery, error) {
			pulls++
			msg := testMessage()
			return []redisstore.Delivery{deliveryFor(msg)}, nil
		},
	}

	cfg := testWorkerConfig()
	cfg.MaxIterations = 3

	p := testProvisioner(&mockGitGateway{}, &mockChangeRequester{}, &mockSecrets{})
	w := NewWorker(queue, &mockLedger{}, p, cfg)

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, pulls, "never pulls past the iteration budget")
}

func TestDrainPullErrorPropagates(t *testing.T) {
	t.Parallel()

	queue := &mockQueue{
		pullFunc: func(ctx context.Context, max int64, block, minIdle time.Duration) ([]redisstore.Delivery, error) {
			return nil, errors.New("connection reset")
		},
	}

	p := testProvisioner(&mockGitGateway{}, &mockChangeRequester{}, &mockSecrets{})
	w := NewWorker(queue, &mockLedger{}, p, testWorkerConfig())

	_, err := w.Drain(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pull")
}

func TestRunCompletesWithoutWakeHint(t *testing.T) {
	t.Parallel()

	// The wake subscription is unavailable, and the delivery only appears
	// after the initial drain has already seen an empty queue — so the only
	// path to completion is a scheduled drain.
	var (
		mu    sync.Mutex
		pulls int
	)
	acked := make(chan string, 1)
	queue := &mockQueue{
		pullFunc: func(ctx context.Context, max int64, block, minIdle time.Duration) ([]redisstore.Delivery, error) {
			mu.Lock()
			defer mu.Unlock()
			pulls++
			if pulls == 2 {
				return []redisstore.Delivery{deliveryFor(testMessage())}, nil
			}
			return nil, nil
		},
		ackFunc: func(ctx context.Context, ids ...string) error {
			if len(ids) > 0 {
				acked <- ids[0]
			}
			return nil
		},
		wakeChannelFunc: func(ctx context.Context) (<-chan struct{}, func(), error) {
			return nil, nil, errors.New("subscribe failed")
		},
	}

	completed := make(chan string, 1)
	ledger := &mockLedger{
		completeFunc: func(_ context.Context, id, _ string) error {
			completed <- id
			return nil
		},
	}

	p := testProvisioner(&mockGitGateway{}, &mockChangeRequester{}, &mockSecrets{})
	w := NewWorker(queue, ledger, p, testWorkerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx, 20*time.Millisecond)
	}()

	select {
	case id := <-completed:
		assert.Equal(t, "req-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not completed by a scheduled drain")
	}

	select {
	case id := <-acked:
		assert.Equal(t, "1700000000-0", id)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was not acknowledged")
	}

	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on context cancellation")
	}
}

func TestDecodeDeliveryMissingFields(t *testing.T) {
	t.Parallel()

	msg := testMessage()
	msg.ServiceAccount = ""

	_, err := decodeDelivery(deliveryFor(msg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service_account")

	got, err := decodeDelivery(deliveryFor(testMessage()))
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "marketing_events", got.DatasetName)
}
