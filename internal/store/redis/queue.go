package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gosuda/datapr/internal/domain"
)

// wakeChannel carries the best-effort eager-processing hint from the
// interactive stage to a running worker. The stream is the durable path;
// a missed wake only delays processing until the next scheduled drain.
const wakeChannel = "datapr:wake"

// Queue is the dispatch queue between the interactive stage and the
// pipeline worker, backed by a Redis Stream with a consumer group.
// Entries stay in the group's pending list until acknowledged, which gives
// the at-least-once pull/ack contract: an unacknowledged delivery is
// reclaimed by a later Pull once it has been idle long enough.
type Queue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

func NewQueue(ctx context.Context, addr, password string, db int, stream, group, consumer string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.NewQueue: ping: %w", err)
	}

	// Idempotent group creation; BUSYGROUP means it already exists.
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		_ = client.Close()
		return nil, fmt.Errorf("redis.NewQueue: create group: %w", err)
	}

	return &Queue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}, nil
}

func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("redis.Queue.Close: %w", err)
	}
	return nil
}

// Delivery is one pulled queue entry. ID is the acknowledgment token.
// RequestID and DatasetName ride as routable fields next to the opaque
// payload so operators can inspect the stream without decoding bodies.
type Delivery struct {
	ID          string
	RequestID   string
	DatasetName string
	Payload     []byte
}

// Publish appends a dispatch message to the stream.
func (q *Queue) Publish(ctx context.Context, msg domain.DispatchMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis.Queue.Publish: encode: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"request_id":   msg.RequestID,
			"dataset_name": msg.DatasetName,
			"payload":      payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis.Queue.Publish: xadd: %w", err)
	}

	return nil
}

// Pull fetches up to max deliveries: first any entries another (or a
// previous) consumer left pending longer than minIdle, then new entries
// with a bounded block. An empty result is the normal no-work signal.
func (q *Queue) Pull(ctx context.Context, max int64, block, minIdle time.Duration) ([]Delivery, error) {
	var deliveries []Delivery

	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    max,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis.Queue.Pull: claim pending: %w", err)
	}
	deliveries = appendDeliveries(deliveries, claimed)

	if int64(len(deliveries)) >= max {
		return deliveries, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    max - int64(len(deliveries)),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		// Timed out with nothing new; not an error.
		return deliveries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis.Queue.Pull: read: %w", err)
	}

	for _, stream := range streams {
		deliveries = appendDeliveries(deliveries, stream.Messages)
	}

	return deliveries, nil
}

// Ack acknowledges processed deliveries as a batch.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := q.client.XAck(ctx, q.stream, q.group, ids...).Err(); err != nil {
		return fmt.Errorf("redis.Queue.Ack: %w", err)
	}

	return nil
}

// Wake publishes the eager-processing hint.
func (q *Queue) Wake(ctx context.Context) error {
	if err := q.client.Publish(ctx, wakeChannel, "1").Err(); err != nil {
		return fmt.Errorf("redis.Queue.Wake: %w", err)
	}
	return nil
}

// WakeChannel subscribes to the eager-processing hint. The returned channel
// closes when ctx is cancelled; call cleanup to release the subscription.
func (q *Queue) WakeChannel(ctx context.Context) (<-chan struct{}, func(), error) {
	sub := q.client.Subscribe(ctx, wakeChannel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.Queue.WakeChannel: receive confirmation: %w", err)
	}

	out := make(chan struct{}, 1)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-redisCh:
				if !ok {
					return
				}
				// Coalesce bursts; one buffered signal is enough.
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}

func appendDeliveries(deliveries []Delivery, msgs []redis.XMessage) []Delivery {
	for _, m := range msgs {
		d := Delivery{ID: m.ID}
		if v, ok := m.Values["request_id"].(string); ok {
			d.RequestID = v
		}
		if v, ok := m.Values["dataset_name"].(string); ok {
			d.DatasetName = v
		}
		if v, ok := m.Values["payload"].(string); ok {
			d.Payload = []byte(v)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}
