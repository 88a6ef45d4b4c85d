package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"docflow/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusDispatched = "dispatched"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Delivery tracks one hand-off of a batch job to a worker process. It is
// separate from the batch job record: a delivery is done once a worker has
// run the job, whatever the job's own outcome.
type Delivery struct {
	ID           string    `json:"id"`
	BatchJobID   string    `json:"batchJobId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler runs the batch job referenced by a delivery. A returned error
// schedules a retry until MaxRetries is exhausted.
type Handler func(context.Context, Delivery) error

type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	deliveryTTL  time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
	logger       *slog.Logger
}

type RedisQueueConfig struct {
	// Client is used when set; otherwise one is built from Addr/Password.
	Client      *redis.Client
	Addr        string
	Password    string
	Stream      string
	Group       string
	Consumer    string
	DeliveryTTL time.Duration
	MaxRetries  int
	Block       time.Duration
	ClaimIdle   time.Duration
	RetryDelay  time.Duration
	MaxLen      int64
	ReadCount   int64
	ClaimCount  int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	client := cfg.Client
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "processor"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	q := &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		deliveryTTL:  durationOr(cfg.DeliveryTTL, 24*time.Hour),
		maxRetries:   intOr(cfg.MaxRetries, 3),
		block:        durationOr(cfg.Block, 5*time.Second),
		claimIdle:    durationOr(cfg.ClaimIdle, 30*time.Second),
		retryDelay:   durationOr(cfg.RetryDelay, 2*time.Second),
		maxLen:       int64Or(cfg.MaxLen, 10000),
		readCount:    int64Or(cfg.ReadCount, 10),
		claimCount:   int64Or(cfg.ClaimCount, 10),
		logger:       slog.Default().With("component", "job_queue", "stream", stream),
	}
	return q, nil
}

func durationOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func int64Or(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

// Enqueue records a delivery for batchJobID and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, batchJobID string) (Delivery, error) {
	batchJobID = strings.TrimSpace(batchJobID)
	if batchJobID == "" {
		return Delivery{}, errors.New("batch job id required")
	}
	now := time.Now().UTC()
	d := Delivery{
		ID:         util.NewPrefixedID("dlv"),
		BatchJobID: batchJobID,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.writeStatus(ctx, d); err != nil {
		return Delivery{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"delivery_id":  d.ID,
			"batch_job_id": d.BatchJobID,
		},
	}).Err(); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

// GetDelivery returns the recorded status of a delivery.
func (q *RedisJobQueue) GetDelivery(ctx context.Context, deliveryID string) (Delivery, bool, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return Delivery{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.deliveryKey(deliveryID)).Result()
	if err != nil {
		return Delivery{}, false, err
	}
	if len(data) == 0 {
		return Delivery{}, false, nil
	}
	return decodeDelivery(deliveryID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		q.logger.Warn("create consumer group failed", "err", err)
	}
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

// Close releases the underlying client.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) error {
	var err error
	q.once.Do(func() {
		err = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			err = nil
		}
	})
	return err
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				q.logger.Warn("read group failed", "consumer", consumer, "err", err)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	deliveryID, _ := msg.Values["delivery_id"].(string)
	batchJobID, _ := msg.Values["batch_job_id"].(string)
	if deliveryID == "" || batchJobID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	d, err := q.markDispatched(ctx, deliveryID, batchJobID)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	err = handler(ctx, d)
	if err == nil {
		_ = q.markDone(ctx, deliveryID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	q.logger.Warn("delivery failed", "delivery_id", deliveryID, "job_id", batchJobID, "attempt", d.Attempts, "err", err)
	if d.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, deliveryID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.markQueued(ctx, deliveryID, err.Error())
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, deliveryID, batchJobID)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, deliveryID, batchJobID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"delivery_id":  deliveryID,
			"batch_job_id": batchJobID,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markDispatched(ctx context.Context, deliveryID, batchJobID string) (Delivery, error) {
	d, _, err := q.GetDelivery(ctx, deliveryID)
	if err != nil {
		return Delivery{}, err
	}
	if d.ID == "" {
		d = Delivery{ID: deliveryID}
	}
	d.BatchJobID = batchJobID
	d.Attempts++
	d.Status = StatusDispatched
	d.UpdatedAt = time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.UpdatedAt
	}
	if err := q.writeStatus(ctx, d); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, deliveryID, errMsg string) error {
	return q.setStatus(ctx, deliveryID, StatusQueued, errMsg)
}

func (q *RedisJobQueue) markDone(ctx context.Context, deliveryID string) error {
	return q.setStatus(ctx, deliveryID, StatusDone, "")
}

func (q *RedisJobQueue) markFailed(ctx context.Context, deliveryID, errMsg string) error {
	return q.setStatus(ctx, deliveryID, StatusFailed, errMsg)
}

func (q *RedisJobQueue) setStatus(ctx context.Context, deliveryID, status, errMsg string) error {
	d, _, err := q.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = deliveryID
	}
	d.Status = status
	d.ErrorMessage = errMsg
	d.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, d)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, d Delivery) error {
	key := q.deliveryKey(d.ID)
	payload := map[string]any{
		"id":         d.ID,
		"batchJobId": d.BatchJobID,
		"status":     d.Status,
		"error":      d.ErrorMessage,
		"attempts":   strconv.Itoa(d.Attempts),
		"createdAt":  d.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.deliveryTTL).Err()
	return nil
}

func (q *RedisJobQueue) deliveryKey(deliveryID string) string {
	return fmt.Sprintf("delivery:%s:%s", q.stream, deliveryID)
}

func decodeDelivery(deliveryID string, data map[string]string) Delivery {
	d := Delivery{
		ID:           deliveryID,
		BatchJobID:   data["batchJobId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		d.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		d.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		d.UpdatedAt = t
	}
	return d
}
