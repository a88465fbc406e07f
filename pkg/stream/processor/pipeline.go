package processor

import (
	"log/slog"
	"strings"
	"time"

	"github.com/yw0nam/DesktopMatePlus/pkg/agent"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/metrics"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/protocol"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/text"
)

// pipeline is the producer/consumer pair serving one turn. The two tasks
// communicate exclusively via the turn's queues: the producer is the sole
// writer of the token queue, the consumer its sole reader; both write the
// event queue under the ordering invariants enforced here.
type pipeline struct {
	turn       *Turn
	source     agent.EventSource
	splitter   *text.ChunkSplitter
	normalizer *text.Normalizer

	interruptWait time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	// producer-local state; never touched by the consumer.
	reconstructed strings.Builder
	toolStarts    map[string][]time.Time
}

func newPipeline(turn *Turn, source agent.EventSource, splitter *text.ChunkSplitter, normalizer *text.Normalizer, interruptWait time.Duration, logger *slog.Logger, m *metrics.Metrics) *pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &pipeline{
		turn:          turn,
		source:        source,
		splitter:      splitter,
		normalizer:    normalizer,
		interruptWait: interruptWait,
		logger:        logger.With("turn_id", turn.ID, "session_id", turn.SessionID),
		metrics:       m,
		now:           turn.now,
		toolStarts:    make(map[string][]time.Time),
	}
}

// put enqueues an outbound event, suspending on a full queue until space is
// available or the turn is cancelled.
func (p *pipeline) put(ev protocol.ServerEvent) bool {
	select {
	case p.turn.events <- ev:
		return true
	case <-p.turn.ctx.Done():
		return false
	}
}

// produce drains the agent stream. Tokens go to the token queue (the
// backpressure point that throttles the agent to the consumer's rate), tool
// events go to the log, and stream_start is forwarded directly.
func (p *pipeline) produce() {
	defer p.source.Close()
	defer p.turn.closeTokens()

	for {
		select {
		case <-p.turn.ctx.Done():
			return
		case ev, ok := <-p.source.Events():
			if !ok {
				p.finishUpstreamClosed()
				return
			}
			switch ev.Type {
			case agent.EventStreamStart:
				p.turn.markRunning()
				p.put(protocol.StreamStart{
					Type:      protocol.TypeStreamStart,
					TurnID:    p.turn.ID,
					SessionID: p.turn.SessionID,
				})
			case agent.EventStreamToken:
				p.reconstructed.WriteString(ev.Chunk)
				p.metrics.TokenConsumed()
				select {
				case p.turn.tokens <- ev.Chunk:
				case <-p.turn.ctx.Done():
					return
				}
			case agent.EventToolCall:
				p.recordToolCall(ev)
			case agent.EventToolResult:
				p.recordToolResult(ev)
			case agent.EventStreamEnd:
				content := ev.Content
				if content == "" {
					content = p.reconstructed.String()
				}
				p.turn.setAggregate(content)
				p.complete(content)
				return
			default:
				p.logger.Debug("dropping unknown agent event", "event_type", ev.Type)
			}
		}
	}
}

// complete runs the two-phase end-of-stream barrier and then emits the
// terminal stream_end. Enqueuing stream_end before the consumer has flushed
// would let it overtake in-flight tts_ready_chunk events, so the producer
// first signals end-of-tokens, waits for the token queue to drain, then
// waits for the consumer task itself (its post-drain Finalize flush).
func (p *pipeline) complete(content string) {
	p.turn.closeTokens()

	if !p.awaitBarrier(p.turn.drained) {
		p.logger.Warn("timed out waiting for token queue drain", "timeout", p.interruptWait)
	}
	if !p.awaitBarrier(p.turn.supervisor.Done("consumer")) {
		p.logger.Warn("timed out waiting for consumer flush", "timeout", p.interruptWait)
	}

	if !p.turn.finish(StatusCompleted) {
		return
	}
	p.put(protocol.StreamEnd{
		Type:      protocol.TypeStreamEnd,
		TurnID:    p.turn.ID,
		SessionID: p.turn.SessionID,
		Content:   content,
	})
	p.turn.closeEvents()
	p.metrics.TurnFinished(string(StatusCompleted), p.now().Sub(p.turn.CreatedAt()))
	p.logger.Info("turn completed", "content_len", len(content))
}

// fail mirrors complete for the upstream-error path: same barrier, then an
// error event and a Failed turn.
func (p *pipeline) fail(err error) {
	p.turn.closeTokens()
	p.awaitBarrier(p.turn.drained)
	p.awaitBarrier(p.turn.supervisor.Done("consumer"))

	if !p.turn.finish(StatusFailed) {
		return
	}
	p.put(protocol.ErrorEvent{
		Type:   protocol.TypeError,
		Code:   500,
		Error:  err.Error(),
		TurnID: p.turn.ID,
	})
	p.turn.closeEvents()
	p.metrics.TurnFinished(string(StatusFailed), p.now().Sub(p.turn.CreatedAt()))
	p.logger.Error("turn failed", "error", err)
}

// finishUpstreamClosed handles the agent stream ending without a stream_end
// event: an iterator error fails the turn, a clean close completes it with
// the reconstructed content.
func (p *pipeline) finishUpstreamClosed() {
	if err := p.source.Err(); err != nil {
		p.fail(err)
		return
	}
	content := p.reconstructed.String()
	p.turn.setAggregate(content)
	p.complete(content)
}

func (p *pipeline) awaitBarrier(done <-chan struct{}) bool {
	if done == nil {
		return true
	}
	timer := time.NewTimer(p.interruptWait)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-p.turn.ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

func toolKey(ev agent.Event) string {
	return ev.ToolName + "\x00" + ev.Node
}

// Tool events are server-logged only; they never reach either queue.
func (p *pipeline) recordToolCall(ev agent.Event) {
	key := toolKey(ev)
	p.toolStarts[key] = append(p.toolStarts[key], p.now())
	p.logger.Info("tool call",
		"tool_name", ev.ToolName,
		"args", string(ev.Args),
		"node", ev.Node,
		"status", "started",
	)
}

func (p *pipeline) recordToolResult(ev agent.Event) {
	key := toolKey(ev)
	durationMS := int64(0)
	if starts := p.toolStarts[key]; len(starts) > 0 {
		durationMS = p.now().Sub(starts[0]).Milliseconds()
		p.toolStarts[key] = starts[1:]
	}
	if durationMS < 0 {
		durationMS = 0
	}
	p.logger.Info("tool result",
		"tool_name", ev.ToolName,
		"result", string(ev.Result),
		"node", ev.Node,
		"status", "completed",
		"duration_ms", durationMS,
	)
}

// consume reads the token queue, splits tokens into sentences, normalizes
// them, and emits tts_ready_chunk events. On the end-of-tokens sentinel it
// closes the drain barrier, flushes the splitter's residual buffer, and
// exits. On cancellation it discards the buffer and exits promptly.
func (p *pipeline) consume() {
	for {
		select {
		case <-p.turn.ctx.Done():
			return
		case tok, ok := <-p.turn.tokens:
			if !ok {
				close(p.turn.drained)
				for _, sentence := range p.splitter.Finalize() {
					p.emitChunk(sentence)
				}
				return
			}
			for _, sentence := range p.splitter.Feed(tok) {
				p.emitChunk(sentence)
			}
		}
	}
}

func (p *pipeline) emitChunk(sentence string) {
	res := p.normalizer.Process(sentence)
	if res.Text == "" {
		return
	}
	if p.put(protocol.TTSReadyChunk{
		Type:    protocol.TypeTTSReadyChunk,
		TurnID:  p.turn.ID,
		Chunk:   res.Text,
		Emotion: res.Emotion,
	}) {
		p.metrics.ChunkEmitted()
	}
}
