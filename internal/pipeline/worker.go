package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/datapr/internal/domain"
	redisstore "github.com/gosuda/datapr/internal/store/redis"
)

// Queue is the pull/acknowledge side of the dispatch queue.
type Queue interface {
	Pull(ctx context.Context, max int64, block, minIdle time.Duration) ([]redisstore.Delivery, error)
	Ack(ctx context.Context, ids ...string) error
	WakeChannel(ctx context.Context) (<-chan struct{}, func(), error)
}

// WorkerConfig bounds one drain invocation.
type WorkerConfig struct {
	BatchSize     int64
	MaxIterations int
	PullBlock     time.Duration
	ClaimMinIdle  time.Duration
}

// Worker is the pull/process/acknowledge loop. It is delivery-agnostic:
// Drain serves both the one-shot job trigger and the scheduled backstop,
// and Run adds the eager-wake hint on top. A message is acknowledged only
// when processing succeeded or the failure is permanent; everything else
// is left pending for redelivery.
type Worker struct {
	queue       Queue
	ledger      domain.RequestRepository
	provisioner *Provisioner
	cfg         WorkerConfig
}

func NewWorker(queue Queue, ledger domain.RequestRepository, provisioner *Provisioner, cfg WorkerConfig) *Worker {
	return &Worker{
		queue:       queue,
		ledger:      ledger,
		provisioner: provisioner,
		cfg:         cfg,
	}
}

// Drain pulls and processes until the queue is empty or the iteration
// budget runs out. Returns the number of acknowledged messages.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	processed := 0

	for i := 0; i < w.cfg.MaxIterations; i++ {
		deliveries, err := w.queue.Pull(ctx, w.cfg.BatchSize, w.cfg.PullBlock, w.cfg.ClaimMinIdle)
		if err != nil {
			return processed, fmt.Errorf("pipeline.Worker.Drain: pull: %w", err)
		}
		if len(deliveries) == 0 {
			break
		}

		log.Info().Int("count", len(deliveries)).Int("iteration", i+1).Msg("processing deliveries")

		var ackIDs []string
		for _, d := range deliveries {
			if w.process(ctx, d) {
				ackIDs = append(ackIDs, d.ID)
			}
		}

		if err := w.queue.Ack(ctx, ackIDs...); err != nil {
			// Processed work stands; unacked entries will be redelivered
			// and short-circuit on the completed ledger state.
			return processed, fmt.Errorf("pipeline.Worker.Drain: ack: %w", err)
		}
		processed += len(ackIDs)
	}

	return processed, nil
}

// Run drains on a schedule and additionally on each eager-wake hint. The
// hint is an optimization only; correctness rests on the scheduled drains.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	wake, cleanup, err := w.queue.WakeChannel(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("wake subscription unavailable; relying on scheduled drains")
		wake = nil
	} else {
		defer cleanup()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.drainLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.drainLogged(ctx)
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			w.drainLogged(ctx)
		}
	}
}

func (w *Worker) drainLogged(ctx context.Context) {
	n, err := w.Drain(ctx)
	if err != nil {
		log.Error().Err(err).Msg("drain failed")
		return
	}
	if n > 0 {
		log.Info().Int("processed", n).Msg("drain complete")
	}
}

// process handles one delivery and reports whether to acknowledge it.
// A single message's failure never propagates; it is converted to ledger
// state and the loop moves on.
func (w *Worker) process(ctx context.Context, d redisstore.Delivery) (ack bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("request_id", d.RequestID).Msg("panic while processing delivery")
			ack = false
		}
	}()

	logger := log.With().Str("request_id", d.RequestID).Str("dataset", d.DatasetName).Logger()

	msg, err := decodeDelivery(d)
	if err != nil {
		// Terminal: the same validation fails on every redelivery, so the
		// message is acknowledged and the ledger keeps the permanent record.
		logger.Error().Err(err).Msg("invalid delivery")
		w.failLedger(ctx, msg.RequestID, err)
		return true
	}

	current, err := w.ledger.GetByID(ctx, msg.RequestID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Error().Msg("delivery references unknown request; dropping")
		return true
	}
	if err != nil {
		logger.Error().Err(err).Msg("ledger read failed; leaving for redelivery")
		return false
	}

	if current.Status == domain.RequestStatusCompleted {
		// Redelivery after completion is a no-op; no second change request.
		logger.Info().Msg("request already completed; acknowledging redelivery")
		return true
	}

	if err := w.ledger.MarkProcessing(ctx, msg.RequestID); err != nil {
		if errors.Is(err, domain.ErrAlreadyCompleted) {
			return true
		}
		logger.Error().Err(err).Msg("failed to mark processing; leaving for redelivery")
		return false
	}

	url, err := w.provisioner.Provision(ctx, msg)
	if err != nil {
		permanent := IsPermanent(err)
		logger.Error().Err(err).Str("step", StepOf(err)).Bool("permanent", permanent).Msg("provisioning failed")
		w.failLedger(ctx, msg.RequestID, err)
		return permanent
	}

	if err := w.ledger.Complete(ctx, msg.RequestID, url); err != nil {
		if errors.Is(err, domain.ErrAlreadyCompleted) {
			return true
		}
		logger.Error().Err(err).Msg("failed to record completion; leaving for redelivery")
		return false
	}

	logger.Info().Str("artifact_url", url).Msg("request completed")
	return true
}

func (w *Worker) failLedger(ctx context.Context, requestID string, cause error) {
	if requestID == "" {
		return
	}
	if err := w.ledger.Fail(ctx, requestID, cause.Error()); err != nil && !errors.Is(err, domain.ErrAlreadyCompleted) {
		log.Error().Err(err).Str("request_id", requestID).Msg("failed to record failure")
	}
}

// decodeDelivery unmarshals and validates the wire payload. The returned
// message carries whatever request id is known even on error, so the
// ledger can record the failure.
func decodeDelivery(d redisstore.Delivery) (domain.DispatchMessage, error) {
	msg := domain.DispatchMessage{RequestID: d.RequestID}

	if len(d.Payload) == 0 {
		return msg, errors.New("pipeline: delivery has no payload")
	}
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		return msg, fmt.Errorf("pipeline: decode payload: %w", err)
	}
	if msg.RequestID == "" {
		msg.RequestID = d.RequestID
	}

	var missing []string
	if msg.RequestID == "" {
		missing = append(missing, "request_id")
	}
	if msg.DatasetName == "" {
		missing = append(missing, "dataset_name")
	}
	if msg.Location == "" {
		missing = append(missing, "location")
	}
	if msg.ServiceAccount == "" {
		missing = append(missing, "service_account")
	}
	if len(missing) > 0 {
		return msg, fmt.Errorf("pipeline: delivery missing required fields: %v", missing)
	}

	return msg, nil
}
