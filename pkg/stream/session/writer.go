package session

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// writeLoop is the single writer of the websocket. Every outbound event
// funnels through the session's queue, so frame writes never interleave and
// per-turn ordering is preserved end to end.
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case <-s.ctx.Done():
			s.flushOnShutdown()
			return
		case ev := <-s.outbound:
			if !s.writeEvent(ev) {
				return
			}
		}
	}
}

func (s *Session) writeEvent(ev any) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to encode outbound event", "error", err)
		return true
	}
	_ = s.conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("outbound write failed", "error", err)
		s.cancel()
		return false
	}
	return true
}

// flushOnShutdown gives already-queued events (typically the final
// interrupted frame) a brief chance to reach the peer before the socket
// closes.
func (s *Session) flushOnShutdown() {
	maxFlushFrames := 8
	for i := 0; i < maxFlushFrames; i++ {
		select {
		case ev := <-s.outbound:
			if !s.writeEvent(ev) {
				return
			}
		default:
			return
		}
	}
}
