package processor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yw0nam/DesktopMatePlus/pkg/agent"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/protocol"
)

// fakeSource is a hand-driven agent stream.
type fakeSource struct {
	ch        chan agent.Event
	err       error
	mu        sync.Mutex
	delivered atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan agent.Event), closed: make(chan struct{})}
}

func (f *fakeSource) Events() <-chan agent.Event { return f.ch }

func (f *fakeSource) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSource) Close() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// emit blocks until the producer accepts the event, counting deliveries.
func (f *fakeSource) emit(t *testing.T, ev agent.Event) {
	t.Helper()
	select {
	case f.ch <- ev:
		f.delivered.Add(1)
	case <-time.After(2 * time.Second):
		t.Fatalf("producer did not accept event %q", ev.Type)
	}
}

// tryEmit attempts delivery without failing the test on suspension.
func (f *fakeSource) tryEmit(ev agent.Event, wait time.Duration) bool {
	select {
	case f.ch <- ev:
		f.delivered.Add(1)
		return true
	case <-time.After(wait):
		return false
	}
}

func (f *fakeSource) finish() { close(f.ch) }

func scripted(events ...agent.Event) *fakeSource {
	f := newFakeSource()
	go func() {
		for _, ev := range events {
			f.ch <- ev
			f.delivered.Add(1)
		}
		close(f.ch)
	}()
	return f
}

func newTestProcessor(t *testing.T, limits Limits) *Processor {
	t.Helper()
	return New("conn-1", "user-1", limits, nil, slog.Default(), nil)
}

func collect(t *testing.T, events <-chan protocol.ServerEvent, timeout time.Duration) []protocol.ServerEvent {
	t.Helper()
	var got []protocol.ServerEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("event stream did not close; collected %d events", len(got))
		}
	}
}

func eventTypes(events []protocol.ServerEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType()
	}
	return types
}

func TestHappyPath(t *testing.T) {
	p := newTestProcessor(t, Limits{})
	source := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamToken, Chunk: "Hello"},
		agent.Event{Type: agent.EventStreamToken, Chunk: " there."},
		agent.Event{Type: agent.EventStreamToken, Chunk: " How are you?"},
		agent.Event{Type: agent.EventStreamEnd, Content: "Hello there. How are you?"},
	)

	turnID, err := p.StartTurn("sess-1", "Hi", source)
	if err != nil {
		t.Fatal(err)
	}
	events, err := p.StreamEvents(turnID)
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events, 2*time.Second)

	if len(got) != 4 {
		t.Fatalf("events=%v", eventTypes(got))
	}
	start, ok := got[0].(protocol.StreamStart)
	if !ok || start.TurnID != turnID || start.SessionID != "sess-1" {
		t.Fatalf("first event=%+v", got[0])
	}
	chunk1, ok := got[1].(protocol.TTSReadyChunk)
	if !ok || chunk1.Chunk != "Hello there." {
		t.Fatalf("second event=%+v", got[1])
	}
	chunk2, ok := got[2].(protocol.TTSReadyChunk)
	if !ok || chunk2.Chunk != "How are you?" {
		t.Fatalf("third event=%+v", got[2])
	}
	end, ok := got[3].(protocol.StreamEnd)
	if !ok || end.TurnID != turnID || end.Content != "Hello there. How are you?" {
		t.Fatalf("last event=%+v", got[3])
	}

	turn, ok := p.Turn(turnID)
	if !ok || turn.Status() != StatusCompleted {
		t.Fatalf("status=%v", turn.Status())
	}
}

// The flushed residual must reach the queue before stream_end: the producer
// holds the terminal event behind the drain and consumer-finish barrier.
func TestEndBarrierOrdersFlushBeforeStreamEnd(t *testing.T) {
	p := newTestProcessor(t, Limits{})
	source := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamToken, Chunk: "no terminator at all"},
		agent.Event{Type: agent.EventStreamEnd, Content: "no terminator at all"},
	)

	turnID, err := p.StartTurn("", "Hi", source)
	if err != nil {
		t.Fatal(err)
	}
	events, _ := p.StreamEvents(turnID)
	got := collect(t, events, 2*time.Second)

	want := []string{protocol.TypeStreamStart, protocol.TypeTTSReadyChunk, protocol.TypeStreamEnd}
	if types := eventTypes(got); len(types) != 3 || types[0] != want[0] || types[1] != want[1] || types[2] != want[2] {
		t.Fatalf("order=%v, want %v", types, want)
	}
	if chunk := got[1].(protocol.TTSReadyChunk); chunk.Chunk != "no terminator at all" {
		t.Fatalf("flushed chunk=%q", chunk.Chunk)
	}
}

func TestShortSentenceMerge(t *testing.T) {
	p := newTestProcessor(t, Limits{})
	source := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamToken, Chunk: "Hi!"},
		agent.Event{Type: agent.EventStreamToken, Chunk: " How are you?"},
		agent.Event{Type: agent.EventStreamEnd, Content: "Hi! How are you?"},
	)

	turnID, _ := p.StartTurn("", "Hi", source)
	events, _ := p.StreamEvents(turnID)
	got := collect(t, events, 2*time.Second)

	var chunks []string
	for _, ev := range got {
		if c, ok := ev.(protocol.TTSReadyChunk); ok {
			chunks = append(chunks, c.Chunk)
		}
	}
	if len(chunks) != 1 || chunks[0] != "Hi! How are you?" {
		t.Fatalf("chunks=%q", chunks)
	}
}

func TestToolEventsNeverReachClient(t *testing.T) {
	handler := &recordingHandler{}
	p := New("conn-1", "user-1", Limits{}, nil, slog.New(handler), nil)
	source := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventToolCall, ToolName: "search", Args: []byte(`{"q":"x"}`)},
		agent.Event{Type: agent.EventToolResult, ToolName: "search", Result: []byte(`"ok"`)},
		agent.Event{Type: agent.EventStreamToken, Chunk: "Done and done."},
		agent.Event{Type: agent.EventStreamEnd, Content: "Done and done."},
	)

	turnID, _ := p.StartTurn("", "Hi", source)
	events, _ := p.StreamEvents(turnID)
	got := collect(t, events, 2*time.Second)

	for _, ev := range got {
		switch ev.EventType() {
		case "tool_call", "tool_result":
			t.Fatalf("tool event leaked to client: %+v", ev)
		}
	}
	want := []string{protocol.TypeStreamStart, protocol.TypeTTSReadyChunk, protocol.TypeStreamEnd}
	if types := eventTypes(got); len(types) != 3 || types[1] != want[1] {
		t.Fatalf("events=%v", types)
	}

	calls := handler.withAttr("tool_name", "search")
	if len(calls) < 2 {
		t.Fatalf("tool log records=%d, want >=2", len(calls))
	}
	foundDuration := false
	for _, rec := range calls {
		if v, ok := rec["duration_ms"]; ok {
			foundDuration = true
			if v.(int64) < 0 {
				t.Fatalf("duration_ms=%v", v)
			}
		}
	}
	if !foundDuration {
		t.Fatal("tool_result log record missing duration_ms")
	}
}

func TestInterruptDuringStreaming(t *testing.T) {
	p := newTestProcessor(t, Limits{})
	source := newFakeSource()

	turnID, _ := p.StartTurn("", "Hi", source)
	events, _ := p.StreamEvents(turnID)

	source.emit(t, agent.Event{Type: agent.EventStreamStart})
	source.emit(t, agent.Event{Type: agent.EventStreamToken, Chunk: "Streaming something long. "})
	source.emit(t, agent.Event{Type: agent.EventStreamToken, Chunk: "More text. "})

	interruptedAt := time.Now()
	if !p.Interrupt(turnID, ReasonClientRequested) {
		t.Fatal("interrupt returned false for a running turn")
	}
	if elapsed := time.Since(interruptedAt); elapsed > 1500*time.Millisecond {
		t.Fatalf("interrupt took %v", elapsed)
	}

	got := collect(t, events, 2*time.Second)
	if len(got) == 0 {
		t.Fatal("no events delivered")
	}
	last := got[len(got)-1]
	intr, ok := last.(protocol.Interrupted)
	if !ok || intr.TurnID != turnID || intr.Reason != ReasonClientRequested {
		t.Fatalf("last event=%+v", last)
	}
	for _, ev := range got[:len(got)-1] {
		if ev.EventType() == protocol.TypeStreamEnd {
			t.Fatal("stream_end delivered on an interrupted turn")
		}
	}

	// The producer and consumer must both be terminal.
	turn, _ := p.Turn(turnID)
	for _, task := range []string{"producer", "consumer"} {
		select {
		case <-turn.supervisor.Done(task):
		case <-time.After(1500 * time.Millisecond):
			t.Fatalf("%s still running after interrupt", task)
		}
	}
}

func TestInterruptIsIdempotent(t *testing.T) {
	p := newTestProcessor(t, Limits{})
	source := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamEnd, Content: "done"},
	)

	turnID, _ := p.StartTurn("", "Hi", source)
	events, _ := p.StreamEvents(turnID)
	collect(t, events, 2*time.Second)

	if p.Interrupt(turnID, ReasonClientRequested) {
		t.Fatal("interrupt on a completed turn must be a no-op")
	}
}

func TestSupersedingTurn(t *testing.T) {
	p := newTestProcessor(t, Limits{})
	first := newFakeSource()

	turn1, _ := p.StartTurn("", "first", first)
	events1, _ := p.StreamEvents(turn1)
	first.emit(t, agent.Event{Type: agent.EventStreamStart})

	second := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamEnd, Content: "second answer"},
	)
	turn2, err := p.StartTurn("", "second", second)
	if err != nil {
		t.Fatal(err)
	}

	got1 := collect(t, events1, 2*time.Second)
	last := got1[len(got1)-1]
	intr, ok := last.(protocol.Interrupted)
	if !ok || intr.Reason != ReasonSuperseded {
		t.Fatalf("first turn final event=%+v", last)
	}

	events2, _ := p.StreamEvents(turn2)
	got2 := collect(t, events2, 2*time.Second)
	end, ok := got2[len(got2)-1].(protocol.StreamEnd)
	if !ok || end.TurnID != turn2 {
		t.Fatalf("second turn final event=%+v", got2[len(got2)-1])
	}
}

func TestUpstreamErrorFailsTurn(t *testing.T) {
	p := newTestProcessor(t, Limits{})
	source := newFakeSource()

	turnID, _ := p.StartTurn("", "Hi", source)
	events, _ := p.StreamEvents(turnID)

	source.emit(t, agent.Event{Type: agent.EventStreamStart})
	source.setErr(context.DeadlineExceeded)
	source.finish()

	got := collect(t, events, 2*time.Second)
	last := got[len(got)-1]
	errEv, ok := last.(protocol.ErrorEvent)
	if !ok || errEv.Code != 500 {
		t.Fatalf("last event=%+v", last)
	}

	turn, _ := p.Turn(turnID)
	if turn.Status() != StatusFailed {
		t.Fatalf("status=%v, want failed", turn.Status())
	}
}

func TestBackpressureBoundsTokenConsumption(t *testing.T) {
	p := newTestProcessor(t, Limits{QueueCapacity: 2, MinChunkRunes: 1})
	source := newFakeSource()

	turnID, _ := p.StartTurn("", "Hi", source)

	source.emit(t, agent.Event{Type: agent.EventStreamStart})

	// Nobody reads the event queue, so the consumer stalls once it fills
	// and tokens back up into the producer.
	fed := 0
	for i := 0; i < 10; i++ {
		if !source.tryEmit(agent.Event{Type: agent.EventStreamToken, Chunk: "a. "}, 100*time.Millisecond) {
			break
		}
		fed++
	}

	if fed >= 10 {
		t.Fatalf("producer drained all %d tokens without suspending", fed)
	}
	// Capacity 2 in the token queue, one held by the producer, one in the
	// consumer's hand, one blocked on the full event queue.
	if fed > 5 {
		t.Fatalf("producer accepted %d tokens, want <= 5", fed)
	}

	p.Interrupt(turnID, ReasonClientRequested)
}

func TestCleanupRemovesAgedTurns(t *testing.T) {
	p := newTestProcessor(t, Limits{CleanupTTL: time.Minute})
	base := time.Now()
	now := base
	var mu sync.Mutex
	p.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	source := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamEnd, Content: "done"},
	)
	oldID, _ := p.StartTurn("", "Hi", source)
	events, _ := p.StreamEvents(oldID)
	collect(t, events, 2*time.Second)

	mu.Lock()
	now = base.Add(2 * time.Minute)
	mu.Unlock()

	next := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamEnd, Content: "done"},
	)
	newID, _ := p.StartTurn("", "Hi", next)
	if _, ok := p.Turn(oldID); ok {
		t.Fatal("aged terminal turn survived cleanup")
	}
	if _, ok := p.Turn(newID); !ok {
		t.Fatal("new turn missing")
	}
	ev2, _ := p.StreamEvents(newID)
	collect(t, ev2, 2*time.Second)
}

func TestStartTurnGeneratesSessionID(t *testing.T) {
	p := newTestProcessor(t, Limits{})
	source := scripted(
		agent.Event{Type: agent.EventStreamStart},
		agent.Event{Type: agent.EventStreamEnd, Content: "done"},
	)
	turnID, _ := p.StartTurn("", "Hi", source)
	turn, _ := p.Turn(turnID)
	if turn.SessionID == "" {
		t.Fatal("session id was not generated")
	}
	events, _ := p.StreamEvents(turnID)
	collect(t, events, 2*time.Second)
}

func TestShutdownInterruptsActiveTurns(t *testing.T) {
	p := newTestProcessor(t, Limits{})
	source := newFakeSource()

	turnID, _ := p.StartTurn("", "Hi", source)
	events, _ := p.StreamEvents(turnID)
	source.emit(t, agent.Event{Type: agent.EventStreamStart})

	p.Shutdown()

	got := collect(t, events, 2*time.Second)
	last := got[len(got)-1]
	if _, ok := last.(protocol.Interrupted); !ok {
		t.Fatalf("last event=%+v", last)
	}

	if _, err := p.StartTurn("", "again", newFakeSource()); err != ErrShutdown {
		t.Fatalf("err=%v, want ErrShutdown", err)
	}
}
