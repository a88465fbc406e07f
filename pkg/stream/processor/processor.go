package processor

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yw0nam/DesktopMatePlus/pkg/agent"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/metrics"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/protocol"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/text"
)

// Interrupt reasons used by the gateway.
const (
	ReasonClientRequested = "client_requested"
	ReasonSuperseded      = "superseded"
	ReasonConnectionClose = "connection_closed"
)

var (
	ErrShutdown    = errors.New("message processor is shut down")
	ErrUnknownTurn = errors.New("unknown turn")
)

// Limits bound the resources of a single turn.
type Limits struct {
	QueueCapacity int
	MinChunkRunes int
	InterruptWait time.Duration
	CleanupTTL    time.Duration
}

func (l Limits) WithDefaults() Limits {
	if l.QueueCapacity <= 0 {
		l.QueueCapacity = 100
	}
	if l.MinChunkRunes <= 0 {
		l.MinChunkRunes = text.DefaultMinChunkRunes
	}
	if l.InterruptWait <= 0 {
		l.InterruptWait = time.Second
	}
	if l.CleanupTTL <= 0 {
		l.CleanupTTL = time.Hour
	}
	return l
}

// Processor orchestrates the turns of one authorized connection. At most one
// turn streams to the client at a time: a chat message arriving while a turn
// is running interrupts it with reason "superseded" before the new turn
// starts.
type Processor struct {
	connectionID string
	userID       string
	limits       Limits
	normalizer   *text.Normalizer
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu       sync.Mutex
	turns    map[string]*Turn
	current  string
	shutdown bool
}

func New(connectionID, userID string, limits Limits, normalizer *text.Normalizer, logger *slog.Logger, m *metrics.Metrics) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if normalizer == nil {
		normalizer, _ = text.NewNormalizer(nil)
	}
	return &Processor{
		connectionID: connectionID,
		userID:       userID,
		limits:       limits.WithDefaults(),
		normalizer:   normalizer,
		logger:       logger.With("connection_id", connectionID),
		metrics:      m,
		now:          time.Now,
		turns:        make(map[string]*Turn),
	}
}

// SetClock overrides the processor's time source. Test hook.
func (p *Processor) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// StartTurn runs opportunistic cleanup, supersedes any running turn, creates
// the turn record with its bounded queues, and registers the producer and
// consumer tasks. If sessionID is empty a fresh one is generated.
func (p *Processor) StartTurn(sessionID, userInput string, source agent.EventSource) (string, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return "", ErrShutdown
	}
	p.cleanupLocked(p.now())
	current := p.current
	p.mu.Unlock()

	if current != "" {
		p.Interrupt(current, ReasonSuperseded)
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sup := NewSupervisor(p.logger)
	turn := newTurn(sessionID, userInput, p.limits.QueueCapacity, p.now, sup)

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		turn.cancel()
		source.Close()
		return "", ErrShutdown
	}
	p.turns[turn.ID] = turn
	p.current = turn.ID
	p.mu.Unlock()

	pl := newPipeline(
		turn,
		source,
		text.NewChunkSplitter(p.limits.MinChunkRunes),
		p.normalizer,
		p.limits.InterruptWait,
		p.logger,
		p.metrics,
	)
	sup.Spawn("consumer", pl.consume)
	sup.Spawn("producer", pl.produce)

	p.logger.Info("turn started", "turn_id", turn.ID, "session_id", sessionID)
	return turn.ID, nil
}

// StreamEvents returns the turn's outbound event stream. The channel closes
// after the terminal event; the sequence is lazy, finite, not restartable.
func (p *Processor) StreamEvents(turnID string) (<-chan protocol.ServerEvent, error) {
	p.mu.Lock()
	turn, ok := p.turns[turnID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTurn
	}
	return turn.events, nil
}

// Turn returns the record for a turn id.
func (p *Processor) Turn(turnID string) (*Turn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	turn, ok := p.turns[turnID]
	return turn, ok
}

// ActiveTurns returns the ids of turns not yet terminal.
func (p *Processor) ActiveTurns() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, turn := range p.turns {
		if !turn.Status().Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Interrupt transitions the turn to Interrupted, cancels its tasks with a
// bounded wait, drains both queues, and emits the final interrupted event
// before closing the event queue. Calling it on a terminal turn is a no-op.
func (p *Processor) Interrupt(turnID, reason string) bool {
	p.mu.Lock()
	turn, ok := p.turns[turnID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	if !turn.finish(StatusInterrupted) {
		return false
	}

	turn.supervisor.Cancel(p.limits.InterruptWait)
	drainTokenQueue(turn)
	drainEventQueue(turn)

	// All writers have exited (or been abandoned at their next suspension
	// point), and the queue was just drained, so the final event fits.
	final := protocol.Interrupted{Type: protocol.TypeInterrupted, TurnID: turn.ID, Reason: reason}
	select {
	case turn.events <- final:
	default:
		drainEventQueue(turn)
		turn.events <- final
	}
	turn.closeEvents()

	p.mu.Lock()
	if p.current == turnID {
		p.current = ""
	}
	p.mu.Unlock()

	p.metrics.TurnFinished(string(StatusInterrupted), p.now().Sub(turn.CreatedAt()))
	p.logger.Info("turn interrupted", "turn_id", turnID, "reason", reason)
	return true
}

// InterruptAll interrupts every active turn and reports how many were.
func (p *Processor) InterruptAll(reason string) int {
	count := 0
	for _, id := range p.ActiveTurns() {
		if p.Interrupt(id, reason) {
			count++
		}
	}
	return count
}

// Shutdown interrupts all active turns and refuses further work. Turn
// records are dropped; their tasks were cancelled and awaited up to the
// interrupt wait, and any still running then are abandoned.
func (p *Processor) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.mu.Unlock()

	p.InterruptAll(ReasonConnectionClose)

	p.mu.Lock()
	p.turns = make(map[string]*Turn)
	p.current = ""
	p.mu.Unlock()

	p.logger.Info("message processor shut down")
}

// cleanupLocked removes terminal turns older than the cleanup TTL. Called
// under p.mu on every StartTurn so long-lived connections never accumulate
// completed-turn state.
func (p *Processor) cleanupLocked(now time.Time) {
	removed := 0
	for id, turn := range p.turns {
		status := turn.Status()
		if !status.Terminal() {
			continue
		}
		if now.Sub(turn.FinishedAt()) > p.limits.CleanupTTL {
			delete(p.turns, id)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Info("cleaned up aged turns", "removed", removed)
	}
}

func drainTokenQueue(turn *Turn) {
	for {
		select {
		case _, ok := <-turn.tokens:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func drainEventQueue(turn *Turn) {
	for {
		select {
		case <-turn.events:
		default:
			return
		}
	}
}
