// Package queue provides the Redis-backed delayed delivery channel between
// application approval and license issuance. Delivery is at-least-once:
// a failed handler puts the message back with backoff until the attempt
// budget is spent, then the give-up hook runs exactly once per message.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"sankey-license-server/internal/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// ScheduledSetKey is the sorted set of pending notifications, scored
	// by due time (unix seconds).
	ScheduledSetKey = "sankey:notifications:scheduled"

	// DefaultMaxAttempts bounds automatic redeliveries per message.
	DefaultMaxAttempts = 3

	defaultPollInterval = time.Second
	defaultBaseBackoff  = 5 * time.Second
	maxBackoff          = 5 * time.Minute
	claimBatchSize      = 10
)

// Message is one unit of pipeline work.
type Message struct {
	ApplicationKey string `json:"applicationKey"`
	OwnerID        string `json:"ownerId"`
}

type envelope struct {
	ID         string    `json:"id"`
	Message    Message   `json:"message"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler processes one delivered message. A returned error triggers
// redelivery.
type Handler func(ctx context.Context, msg Message) error

// GiveUpFunc runs after the last failed attempt, with the final error.
type GiveUpFunc func(ctx context.Context, msg Message, err error)

// DelayQueue schedules messages for future delivery through Redis.
type DelayQueue struct {
	client       *redis.Client
	handler      Handler
	giveUp       GiveUpFunc
	maxAttempts  int
	pollInterval time.Duration
	baseBackoff  time.Duration
	logger       *logging.Logger

	mu        sync.Mutex
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewDelayQueue creates a delay queue on the given Redis client.
func NewDelayQueue(client *redis.Client, maxAttempts int) *DelayQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &DelayQueue{
		client:       client,
		maxAttempts:  maxAttempts,
		pollInterval: defaultPollInterval,
		baseBackoff:  defaultBaseBackoff,
		logger:       logging.WithComponent("delay-queue"),
	}
}

// Enqueue schedules a message for delivery after the given delay.
func (q *DelayQueue) Enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	env := envelope{
		ID:         uuid.New().String(),
		Message:    msg,
		Attempt:    0,
		EnqueuedAt: time.Now(),
	}
	return q.schedule(ctx, env, time.Now().Add(delay))
}

func (q *DelayQueue) schedule(ctx context.Context, env envelope, due time.Time) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = q.client.ZAdd(ctx, ScheduledSetKey, redis.Z{
		Score:  float64(due.Unix()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule queue message: %w", err)
	}

	q.logger.Debug("Message scheduled",
		"message_id", env.ID,
		"app_key", env.Message.ApplicationKey,
		"attempt", env.Attempt,
		"due", due.UTC().Format(time.RFC3339))
	return nil
}

// Start launches the polling loop. Handler and give-up hook must be set
// before the first due message arrives.
func (q *DelayQueue) Start(handler Handler, giveUp GiveUpFunc) {
	q.mu.Lock()
	if q.isRunning {
		q.mu.Unlock()
		return
	}
	q.isRunning = true
	q.handler = handler
	q.giveUp = giveUp
	q.stopChan = make(chan struct{})
	q.mu.Unlock()

	q.wg.Add(1)
	go q.pollLoop()

	q.logger.Info("Delay queue started", "poll_interval", q.pollInterval.String(), "max_attempts", q.maxAttempts)
}

// Stop halts polling and waits for in-flight handlers to finish. Started
// work always runs to completion; it is never aborted mid-flight.
func (q *DelayQueue) Stop() {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return
	}
	q.isRunning = false
	close(q.stopChan)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("Delay queue stopped")
}

func (q *DelayQueue) pollLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopChan:
			return
		case <-ticker.C:
			q.claimDue()
		}
	}
}

// claimDue pops due messages. ZREM is the claim: with several server
// instances polling the same set, only the instance whose ZREM removed the
// member dispatches it.
func (q *DelayQueue) claimDue() {
	ctx := context.Background()
	now := time.Now().Unix()

	members, err := q.client.ZRangeByScore(ctx, ScheduledSetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: claimBatchSize,
	}).Result()
	if err != nil {
		q.logger.Error("Failed to poll scheduled set", "error", err)
		return
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, ScheduledSetKey, member).Result()
		if err != nil {
			q.logger.Error("Failed to claim message", "error", err)
			continue
		}
		if removed == 0 {
			continue // Another instance claimed it first
		}

		var env envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			q.logger.Error("Dropping unparseable queue message", "error", err)
			continue
		}

		q.wg.Add(1)
		go func(env envelope) {
			defer q.wg.Done()
			q.dispatch(env)
		}(env)
	}
}

func (q *DelayQueue) dispatch(env envelope) {
	ctx := context.Background()
	env.Attempt++

	err := q.handler(ctx, env.Message)
	if err == nil {
		return
	}

	if env.Attempt >= q.maxAttempts {
		q.logger.Error("Message attempts exhausted",
			"message_id", env.ID,
			"app_key", env.Message.ApplicationKey,
			"attempts", env.Attempt,
			"error", err)
		if q.giveUp != nil {
			q.giveUp(ctx, env.Message, err)
		}
		return
	}

	backoff := q.backoffFor(env.Attempt)
	q.logger.Warn("Message handler failed, redelivering",
		"message_id", env.ID,
		"app_key", env.Message.ApplicationKey,
		"attempt", env.Attempt,
		"backoff", backoff.String(),
		"error", err)

	if err := q.schedule(ctx, env, time.Now().Add(backoff)); err != nil {
		// The message is lost from the set at this point; the give-up
		// hook is the only remaining way to surface it.
		q.logger.Error("Failed to reschedule message", "message_id", env.ID, "error", err)
		if q.giveUp != nil {
			q.giveUp(ctx, env.Message, err)
		}
	}
}

// backoffFor doubles the delay per attempt, capped.
func (q *DelayQueue) backoffFor(attempt int) time.Duration {
	backoff := q.baseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	return backoff
}

// PendingCount returns the number of scheduled messages.
func (q *DelayQueue) PendingCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, ScheduledSetKey).Result()
}

// Health checks the Redis connection.
func (q *DelayQueue) Health(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
