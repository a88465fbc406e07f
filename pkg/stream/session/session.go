// Package session runs one accepted /v1/chat/stream connection: the
// authorization handshake, the inbound read loop, the heartbeat, and the
// single-writer outbound pump. One Session owns one MessageProcessor.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yw0nam/DesktopMatePlus/pkg/agent"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/metrics"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/processor"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/protocol"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/text"
)

// Conn is the subset of *websocket.Conn the session needs. Tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// StreamOpener obtains an agent event stream for a chat message.
type StreamOpener interface {
	Stream(ctx context.Context, req agent.StreamRequest) (agent.EventSource, error)
}

// AssetProvider backs the background/avatar-config messages.
type AssetProvider interface {
	ListBackgrounds() ([]string, error)
	ListAvatarConfigs() ([]string, error)
	SwitchAvatarConfig(file string) (modelPath string, conf map[string]any, err error)
}

type Config struct {
	AuthTokens map[string]struct{}

	AuthDeadline      time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	InactivityTimeout time.Duration
	WriteTimeout      time.Duration

	MaxErrorTolerance int
	ErrorBackoff      time.Duration
	OutboundQueueSize int

	Turn processor.Limits
}

func (c Config) withDefaults() Config {
	if c.AuthDeadline <= 0 {
		c.AuthDeadline = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 300 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxErrorTolerance <= 0 {
		c.MaxErrorTolerance = 5
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 500 * time.Millisecond
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 64
	}
	c.Turn = c.Turn.WithDefaults()
	return c
}

type Dependencies struct {
	Conn       Conn
	Agent      StreamOpener
	Assets     AssetProvider
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Config     Config
	Normalizer *text.Normalizer
	Now        func() time.Time

	// OnAuthorized fires once the handshake succeeds, with the derived
	// user id. The stream handler uses it to label the connection in the
	// process-wide registry.
	OnAuthorized func(userID string)
}

// Session is the per-connection record: identity, authorization state,
// heartbeat bookkeeping, and the connection's MessageProcessor. Created at
// accept, destroyed at disconnect.
type Session struct {
	id         string
	conn       Conn
	agent      StreamOpener
	assets     AssetProvider
	logger     *slog.Logger
	m          *metrics.Metrics
	cfg        Config
	normalizer *text.Normalizer
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan protocol.ServerEvent

	proc   *processor.Processor
	userID string

	lastPongNanos atomic.Int64

	fwdMu      sync.Mutex
	forwarders map[string]chan struct{}

	writerDone   chan struct{}
	onAuthorized func(userID string)
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("agent client is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		id:         id,
		conn:       deps.Conn,
		agent:      deps.Agent,
		assets:     deps.Assets,
		logger:     deps.Logger.With("connection_id", id),
		m:          deps.Metrics,
		cfg:        cfg,
		normalizer: deps.Normalizer,
		now:        deps.Now,
		ctx:        ctx,
		cancel:     cancel,
		outbound:     make(chan protocol.ServerEvent, cfg.OutboundQueueSize),
		forwarders:   make(map[string]chan struct{}),
		writerDone:   make(chan struct{}),
		onAuthorized: deps.OnAuthorized,
	}, nil
}

// ID returns the connection id assigned at accept.
func (s *Session) ID() string { return s.id }

// Cancel asks the session to shut down; the read loop observes the closed
// connection and runs the normal teardown path.
func (s *Session) Cancel() {
	s.cancel()
	_ = s.conn.Close()
}

// Run drives the connection until it closes. It blocks; the caller owns the
// goroutine.
func (s *Session) Run() error {
	defer s.teardown()

	go s.writeLoop()

	if err := s.authorize(); err != nil {
		s.logger.Info("authorization failed", "error", err)
		return err
	}

	s.lastPongNanos.Store(s.now().UnixNano())
	go s.heartbeatLoop()

	return s.readLoop()
}

// authorize enforces the handshake: the first inbound frame must be a valid
// authorize message within the deadline.
func (s *Session) authorize() error {
	_ = s.conn.SetReadDeadline(s.now().Add(s.cfg.AuthDeadline))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read authorize frame: %w", err)
	}

	decoded, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.send(protocol.AuthorizeError{Type: protocol.TypeAuthorizeError, Error: "first message must be authorize"})
		return fmt.Errorf("invalid authorize frame: %w", err)
	}
	msg, ok := decoded.(protocol.Authorize)
	if !ok {
		s.send(protocol.AuthorizeError{Type: protocol.TypeAuthorizeError, Error: "first message must be authorize"})
		return fmt.Errorf("first message was %T", decoded)
	}

	userID, ok := s.validateToken(msg.Token)
	if !ok {
		s.send(protocol.AuthorizeError{Type: protocol.TypeAuthorizeError, Error: "invalid authentication token"})
		return fmt.Errorf("invalid token")
	}

	s.userID = userID
	s.proc = processor.New(s.id, userID, s.cfg.Turn, s.normalizer, s.logger, s.m)
	s.send(protocol.AuthorizeSuccess{Type: protocol.TypeAuthorizeSuccess, ConnectionID: s.id})
	if s.onAuthorized != nil {
		s.onAuthorized(userID)
	}
	s.logger.Info("connection authorized", "user_id", userID)
	return nil
}

// validateToken checks the token against the configured set. With no tokens
// configured any non-empty token is accepted; the derived user id is a
// stable digest of the token.
func (s *Session) validateToken(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	if len(s.cfg.AuthTokens) > 0 {
		if _, ok := s.cfg.AuthTokens[token]; !ok {
			return "", false
		}
	}
	sum := sha256.Sum256([]byte(token))
	return "user_" + hex.EncodeToString(sum[:4]), true
}

// SetProcessor replaces the connection's processor. Test hook.
func (s *Session) SetProcessor(p *processor.Processor) { s.proc = p }

func (s *Session) readLoop() error {
	errStreak := 0
	for {
		_ = s.conn.SetReadDeadline(s.now().Add(s.cfg.InactivityTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.logger.Info("connection read ended", "error", err)
			return nil
		}

		decoded, err := protocol.DecodeClientMessage(data)
		if err != nil {
			errStreak++
			s.m.ProtocolError()
			s.send(protocol.ErrorEvent{Type: protocol.TypeError, Code: 400, Error: err.Error()})
			if errStreak > s.cfg.MaxErrorTolerance {
				s.logger.Warn("error budget exceeded, closing connection", "errors", errStreak)
				return fmt.Errorf("error budget exceeded")
			}
			select {
			case <-time.After(s.cfg.ErrorBackoff):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		errStreak = 0

		switch msg := decoded.(type) {
		case protocol.Authorize:
			// Already authorized; re-acknowledge idempotently.
			s.send(protocol.AuthorizeSuccess{Type: protocol.TypeAuthorizeSuccess, ConnectionID: s.id})
		case protocol.Pong:
			s.lastPongNanos.Store(s.now().UnixNano())
		case protocol.ChatMessage:
			s.handleChat(msg)
		case protocol.InterruptStream:
			s.handleInterrupt(msg)
		case protocol.FetchBackgrounds:
			s.handleFetchBackgrounds()
		case protocol.FetchAvatarConfigs:
			s.handleFetchAvatarConfigs()
		case protocol.SwitchAvatarConfig:
			s.handleSwitchAvatarConfig(msg)
		default:
			s.send(protocol.ErrorEvent{Type: protocol.TypeError, Code: 400, Error: "unsupported message type"})
		}
	}
}

// handleChat supersedes any running turn, waits for its forwarder to flush
// the final interrupted event, then starts the new turn and its forwarder.
// That wait is what keeps interrupted(T1) ahead of stream_start(T2) on the
// wire.
func (s *Session) handleChat(msg protocol.ChatMessage) {
	if n := s.proc.InterruptAll(processor.ReasonSuperseded); n > 0 {
		s.waitForwarders(s.cfg.Turn.InterruptWait)
	}

	source, err := s.agent.Stream(s.ctx, agent.StreamRequest{
		Message:   msg.Content,
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		AgentID:   msg.AgentID,
		Persona:   msg.Persona,
		Images:    msg.Images,
		Metadata:  msg.Metadata,
	})
	if err != nil {
		s.logger.Error("agent stream open failed", "error", err)
		s.send(protocol.ErrorEvent{Type: protocol.TypeError, Code: 500, Error: "agent unavailable"})
		return
	}

	turnID, err := s.proc.StartTurn(msg.SessionID, msg.Content, source)
	if err != nil {
		source.Close()
		s.send(protocol.ErrorEvent{Type: protocol.TypeError, Code: 500, Error: err.Error()})
		return
	}

	events, err := s.proc.StreamEvents(turnID)
	if err != nil {
		s.send(protocol.ErrorEvent{Type: protocol.TypeError, Code: 500, Error: err.Error(), TurnID: turnID})
		return
	}
	s.spawnForwarder(turnID, events)
}

func (s *Session) handleInterrupt(msg protocol.InterruptStream) {
	if strings.TrimSpace(msg.TurnID) != "" {
		s.proc.Interrupt(msg.TurnID, processor.ReasonClientRequested)
		return
	}
	s.proc.InterruptAll(processor.ReasonClientRequested)
}

func (s *Session) handleFetchBackgrounds() {
	if s.assets == nil {
		s.send(protocol.BackgroundFiles{Type: protocol.TypeBackgroundFiles, Files: []string{}})
		return
	}
	files, err := s.assets.ListBackgrounds()
	if err != nil {
		s.send(protocol.ErrorEvent{Type: protocol.TypeError, Code: 500, Error: err.Error()})
		return
	}
	s.send(protocol.BackgroundFiles{Type: protocol.TypeBackgroundFiles, Files: files})
}

func (s *Session) handleFetchAvatarConfigs() {
	if s.assets == nil {
		s.send(protocol.AvatarConfigFiles{Type: protocol.TypeAvatarConfigFiles, Configs: []string{}})
		return
	}
	configs, err := s.assets.ListAvatarConfigs()
	if err != nil {
		s.send(protocol.ErrorEvent{Type: protocol.TypeError, Code: 500, Error: err.Error()})
		return
	}
	s.send(protocol.AvatarConfigFiles{Type: protocol.TypeAvatarConfigFiles, Configs: configs})
}

func (s *Session) handleSwitchAvatarConfig(msg protocol.SwitchAvatarConfig) {
	if s.assets == nil {
		s.send(protocol.ErrorEvent{Type: protocol.TypeError, Code: 400, Error: "avatar configs are not configured"})
		return
	}
	modelPath, conf, err := s.assets.SwitchAvatarConfig(msg.File)
	if err != nil {
		s.send(protocol.ErrorEvent{Type: protocol.TypeError, Code: 400, Error: err.Error()})
		return
	}
	s.send(protocol.AvatarConfigSwitched{Type: protocol.TypeAvatarConfigSwitched, File: msg.File})
	s.send(protocol.SetModelAndConf{Type: protocol.TypeSetModelAndConf, ModelPath: modelPath, ConfFile: msg.File, Conf: conf})
}

func (s *Session) spawnForwarder(turnID string, events <-chan protocol.ServerEvent) {
	done := make(chan struct{})
	s.fwdMu.Lock()
	s.forwarders[turnID] = done
	s.fwdMu.Unlock()

	go func() {
		defer func() {
			close(done)
			s.fwdMu.Lock()
			delete(s.forwarders, turnID)
			s.fwdMu.Unlock()
		}()
		for ev := range events {
			if !s.send(ev) {
				return
			}
		}
	}()
}

func (s *Session) waitForwarders(timeout time.Duration) {
	s.fwdMu.Lock()
	waits := make([]chan struct{}, 0, len(s.forwarders))
	for _, done := range s.forwarders {
		waits = append(waits, done)
	}
	s.fwdMu.Unlock()

	deadline := time.Now().Add(timeout)
	for _, done := range waits {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		timer := time.NewTimer(remaining)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// send hands an event to the writer pump. It suspends on a full queue and
// reports false once the session is shutting down.
func (s *Session) send(ev protocol.ServerEvent) bool {
	select {
	case s.outbound <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.send(protocol.Ping{Type: protocol.TypePing})
			lastPong := time.Unix(0, s.lastPongNanos.Load())
			if s.now().Sub(lastPong) > s.cfg.PingInterval+s.cfg.PongTimeout {
				s.logger.Warn("pong deadline missed, closing connection")
				_ = s.conn.Close()
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) teardown() {
	if s.proc != nil {
		s.proc.Shutdown()
	}
	s.cancel()
	select {
	case <-s.writerDone:
	case <-time.After(s.cfg.WriteTimeout):
	}
	_ = s.conn.Close()
	s.logger.Info("connection closed")
}
