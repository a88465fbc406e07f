// Package processor orchestrates conversation turns for one connection: it
// owns the per-turn queues, the producer/consumer task pair, and the
// deterministic shutdown of both.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yw0nam/DesktopMatePlus/pkg/stream/protocol"
)

// Status is the lifecycle state of a turn. Transitions only move forward;
// a terminal status never reopens.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusInterrupted, StatusFailed:
		return true
	}
	return false
}

// Turn is the record for one user message and the agent response it drives.
// The turn owns both bounded queues and the background tasks registered with
// its supervisor; the processor owns the turn.
type Turn struct {
	ID        string
	SessionID string
	UserInput string

	events chan protocol.ServerEvent
	tokens chan string

	// drained closes when the consumer has observed the end-of-tokens
	// sentinel, i.e. the token queue is fully consumed (barrier phase one).
	drained chan struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	supervisor *Supervisor

	now func() time.Time

	mu         sync.Mutex
	status     Status
	aggregate  string
	createdAt  time.Time
	finishedAt time.Time

	closeEventsOnce sync.Once
	closeTokensOnce sync.Once
}

func newTurn(sessionID, userInput string, queueCapacity int, now func() time.Time, sup *Supervisor) *Turn {
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	sup.bind(cancel)
	return &Turn{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		UserInput:  userInput,
		events:     make(chan protocol.ServerEvent, queueCapacity),
		tokens:     make(chan string, queueCapacity),
		drained:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		supervisor: sup,
		now:        now,
		status:     StatusPending,
		createdAt:  now(),
	}
}

func (t *Turn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Turn) CreatedAt() time.Time { return t.createdAt }

func (t *Turn) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Aggregate returns the accumulated final content of the turn.
func (t *Turn) Aggregate() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aggregate
}

func (t *Turn) setAggregate(content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aggregate = content
}

// markRunning advances Pending to Running.
func (t *Turn) markRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusPending {
		t.status = StatusRunning
	}
}

// finish attempts the transition into the given terminal status. It reports
// false when the turn is already terminal, which makes every terminal path
// idempotent: exactly one caller wins and emits the final event.
func (t *Turn) finish(status Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = status
	t.finishedAt = t.now()
	return true
}

// closeTokens signals end-of-tokens to the consumer. The producer is the
// sole writer of the token queue, so closing doubles as the sentinel.
func (t *Turn) closeTokens() {
	t.closeTokensOnce.Do(func() { close(t.tokens) })
}

func (t *Turn) closeEvents() {
	t.closeEventsOnce.Do(func() { close(t.events) })
}
