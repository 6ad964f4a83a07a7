/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wso2/api-platform/fleet-console/pkg/metrics"
	"github.com/wso2/api-platform/fleet-console/pkg/models"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Enqueue when the channel's pending count is
	// at the cap. Existing items are untouched.
	ErrQueueFull = errors.New("mutation queue is full for this channel")
	// ErrQueueClosed is returned once Close has been called
	ErrQueueClosed = errors.New("mutation queue is closed")
	// ErrUnknownAction is returned by ResolveConflict for an unsupported action
	ErrUnknownAction = errors.New("unknown conflict resolution action")
	// ErrNotConflicted is returned when resolving a mutation that holds no conflict
	ErrNotConflicted = errors.New("mutation is not in conflicted state")
)

// Resolution actions accepted by ResolveConflict
const (
	ActionDiscard         = "discard"
	ActionRetryWithLatest = "retry-with-latest"
)

const DefaultCap = 100

// Config holds the queue tuning knobs
type Config struct {
	// Cap is the per-channel pending limit; Enqueue rejects beyond it
	Cap int
	// MaxAge expires queued mutations; 0 means never. Expired items are
	// marked failed and surfaced, never silently dropped.
	MaxAge time.Duration
	// DeliveryTimeout bounds a single delivery attempt
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the default queue tuning
func DefaultConfig() Config {
	return Config{
		Cap:             DefaultCap,
		MaxAge:          0,
		DeliveryTimeout: 15 * time.Second,
	}
}

// Queue is the durable offline mutation queue. Writes issued while the
// control plane is unreachable are persisted here and replayed strictly FIFO
// per channel once connectivity returns. Precondition mismatches become
// conflict records that wait for an operator decision; they are never
// auto-resolved.
type Queue struct {
	cfg       Config
	store     *Store
	deliverer Deliverer
	logger    *zap.Logger

	mu      sync.Mutex
	closed  bool
	drainMu sync.Mutex // serializes drain passes
}

// NewQueue opens the mutation queue on top of the given typed store. Records
// left in sending state by a crash stay put and are re-attempted on the next
// drain; the idempotency key makes the re-delivery safe.
func NewQueue(cfg Config, store *Store, deliverer Deliverer, logger *zap.Logger) (*Queue, error) {
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultCap
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 15 * time.Second
	}

	q := &Queue{
		cfg:       cfg,
		store:     store,
		deliverer: deliverer,
		logger:    logger,
	}

	recovered := 0
	all, err := store.All()
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.Status == models.MutationSending {
			recovered++
		}
	}
	if recovered > 0 {
		logger.Info("Recovered in-flight mutations from previous run",
			zap.Int("count", recovered),
		)
	}
	q.publishDepth()

	return q, nil
}

// Enqueue persists a new mutation at the tail of the channel's queue and
// returns its ID. The write is durable before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, channel, kind string, payload json.RawMessage, precondition string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}

	pending, err := q.pendingCount(channel)
	if err != nil {
		return "", err
	}
	if pending >= q.cfg.Cap {
		q.logger.Warn("Mutation rejected, queue at capacity",
			zap.String("channel", channel),
			zap.Int("cap", q.cfg.Cap),
		)
		return "", ErrQueueFull
	}

	m := &models.PendingMutation{
		ID:           uuid.NewString(),
		Channel:      channel,
		Kind:         kind,
		Payload:      payload,
		Precondition: precondition,
		Status:       models.MutationQueued,
		CreatedAt:    time.Now(),
	}

	if err := q.store.Append(m); err != nil {
		return "", err
	}

	q.logger.Info("Mutation queued",
		zap.String("mutation_id", m.ID),
		zap.String("channel", channel),
		zap.String("kind", kind),
	)
	q.publishDepth()

	return m.ID, nil
}

// pendingCount counts a channel's queued and sending mutations
func (q *Queue) pendingCount(channel string) (int, error) {
	mutations, err := q.store.ByChannel(channel)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range mutations {
		if m.Status == models.MutationQueued || m.Status == models.MutationSending {
			count++
		}
	}
	return count, nil
}

// Drain replays pending mutations, strictly FIFO within each channel.
// Channels drain independently: a retryable failure stops that channel's pass
// but the others continue. Cancellation takes effect between items only; an
// in-flight delivery always runs to completion within its own timeout.
func (q *Queue) Drain(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	started := time.Now()
	defer func() {
		metrics.ObserveDrainDuration(time.Since(started).Seconds())
		q.publishDepth()
	}()

	channels, err := q.store.Channels()
	if err != nil {
		return err
	}

	for _, channel := range channels {
		if err := q.drainChannel(ctx, channel); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			q.logger.Warn("Channel drain stopped",
				zap.String("channel", channel),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (q *Queue) drainChannel(ctx context.Context, channel string) error {
	mutations, err := q.store.ByChannel(channel)
	if err != nil {
		return err
	}

	for i := range mutations {
		m := &mutations[i]
		if m.Status != models.MutationQueued && m.Status != models.MutationSending {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if q.expired(m) {
			m.Status = models.MutationFailed
			if err := q.store.Update(m); err != nil {
				return err
			}
			q.logger.Warn("Mutation expired",
				zap.String("mutation_id", m.ID),
				zap.Duration("age", time.Since(m.CreatedAt)),
			)
			metrics.IncMutationOutcome("expired")
			continue
		}

		if err := q.deliverOne(ctx, m); err != nil {
			return err
		}
	}

	return nil
}

// expired reports whether the mutation outlived the configured MaxAge
func (q *Queue) expired(m *models.PendingMutation) bool {
	return q.cfg.MaxAge > 0 && time.Since(m.CreatedAt) > q.cfg.MaxAge
}

// deliverOne runs a single delivery attempt. The sending status is durable
// before the attempt starts, so a crash mid-delivery is replayed on restart.
func (q *Queue) deliverOne(ctx context.Context, m *models.PendingMutation) error {
	m.Status = models.MutationSending
	m.AttemptCount++
	if err := q.store.Update(m); err != nil {
		return err
	}

	deliveryCtx, cancel := context.WithTimeout(ctx, q.cfg.DeliveryTimeout)
	err := q.deliverer.Deliver(deliveryCtx, m)
	cancel()

	switch {
	case err == nil:
		if err := q.store.Remove(m.ID); err != nil {
			return err
		}
		q.logger.Info("Mutation delivered",
			zap.String("mutation_id", m.ID),
			zap.String("channel", m.Channel),
			zap.Int("attempts", m.AttemptCount),
		)
		metrics.IncMutationOutcome("delivered")
		return nil

	case errors.Is(err, ErrRetryable):
		m.Status = models.MutationQueued
		if uerr := q.store.Update(m); uerr != nil {
			return uerr
		}
		q.logger.Warn("Delivery failed, mutation stays queued",
			zap.String("mutation_id", m.ID),
			zap.Error(err),
		)
		// Stop this channel's pass; later items must not overtake this one
		return fmt.Errorf("delivery of %s failed: %w", m.ID, err)

	default:
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return q.markConflicted(m, conflict)
		}

		m.Status = models.MutationFailed
		if uerr := q.store.Update(m); uerr != nil {
			return uerr
		}
		q.logger.Error("Mutation permanently rejected",
			zap.String("mutation_id", m.ID),
			zap.Error(err),
		)
		metrics.IncMutationOutcome("failed")
		return nil
	}
}

// markConflicted records the conflict and moves on; the rest of the channel's
// queue keeps draining so one contested write does not dam the channel
func (q *Queue) markConflicted(m *models.PendingMutation, conflict *ConflictError) error {
	m.Status = models.MutationConflicted
	if err := q.store.Update(m); err != nil {
		return err
	}

	rec := &models.ConflictRecord{
		MutationID:           m.ID,
		ExpectedPrecondition: m.Precondition,
		ObservedServerState:  conflict.ServerState,
		DetectedAt:           time.Now(),
	}
	if err := q.store.PutConflict(rec); err != nil {
		return err
	}

	q.logger.Warn("Mutation conflicted, waiting for operator resolution",
		zap.String("mutation_id", m.ID),
		zap.String("channel", m.Channel),
	)
	metrics.IncMutationOutcome("conflicted")
	q.publishConflicts()
	return nil
}

// ResolveConflict applies the operator's decision to a conflicted mutation.
// ActionDiscard drops the mutation and its conflict record. ActionRetryWithLatest
// refreshes the precondition from the server state observed at conflict time
// and re-enqueues the mutation at the tail of its channel.
func (q *Queue) ResolveConflict(ctx context.Context, mutationID, action string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	m, err := q.store.Get(mutationID)
	if err != nil {
		return err
	}
	if m.Status != models.MutationConflicted {
		return fmt.Errorf("mutation %s: %w", mutationID, ErrNotConflicted)
	}

	switch action {
	case ActionDiscard:
		if err := q.store.Remove(mutationID); err != nil {
			return err
		}
		if err := q.store.RemoveConflict(mutationID); err != nil {
			return err
		}
		q.logger.Info("Conflicted mutation discarded", zap.String("mutation_id", mutationID))
		metrics.IncMutationOutcome("discarded")

	case ActionRetryWithLatest:
		conflicts, err := q.store.Conflicts()
		if err != nil {
			return err
		}
		var rec *models.ConflictRecord
		for i := range conflicts {
			if conflicts[i].MutationID == mutationID {
				rec = &conflicts[i]
				break
			}
		}

		m.Precondition = latestVersion(rec)
		m.Status = models.MutationQueued
		m.AttemptCount = 0

		// Re-enqueue at the tail: the retried write is a new decision made
		// with fresh information, it does not jump the line
		if err := q.store.Remove(mutationID); err != nil {
			return err
		}
		if err := q.store.Append(m); err != nil {
			return err
		}
		if err := q.store.RemoveConflict(mutationID); err != nil {
			return err
		}
		q.logger.Info("Conflicted mutation re-queued with refreshed precondition",
			zap.String("mutation_id", mutationID),
			zap.String("precondition", m.Precondition),
		)

	default:
		return fmt.Errorf("%q: %w", action, ErrUnknownAction)
	}

	q.publishDepth()
	q.publishConflicts()
	return nil
}

// latestVersion extracts the server's version tag from the state captured in
// the conflict record. An empty result makes the retry unconditional.
func latestVersion(rec *models.ConflictRecord) string {
	if rec == nil || len(rec.ObservedServerState) == 0 {
		return ""
	}
	var state struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(rec.ObservedServerState, &state); err != nil {
		return ""
	}
	return state.Version
}

// Conflicts returns all open conflict records
func (q *Queue) Conflicts() ([]models.ConflictRecord, error) {
	return q.store.Conflicts()
}

// Snapshot recomputes the queue's read-only projection
func (q *Queue) Snapshot() (models.QueueSnapshot, error) {
	all, err := q.store.All()
	if err != nil {
		return models.QueueSnapshot{}, err
	}

	snapshot := models.QueueSnapshot{}
	for _, m := range all {
		switch m.Status {
		case models.MutationQueued, models.MutationSending:
			snapshot.PendingCount++
			if snapshot.OldestPendingAt.IsZero() || m.CreatedAt.Before(snapshot.OldestPendingAt) {
				snapshot.OldestPendingAt = m.CreatedAt
			}
		case models.MutationConflicted:
			snapshot.HasConflicts = true
		}
	}
	return snapshot, nil
}

// Close stops accepting work. A drain pass already in flight finishes its
// current item.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *Queue) publishDepth() {
	channels, err := q.store.Channels()
	if err != nil {
		return
	}
	for _, channel := range channels {
		if n, err := q.pendingCount(channel); err == nil {
			metrics.SetQueueDepth(channel, n)
		}
	}
}

func (q *Queue) publishConflicts() {
	if conflicts, err := q.store.Conflicts(); err == nil {
		metrics.SetConflictsOpen(len(conflicts))
	}
}
