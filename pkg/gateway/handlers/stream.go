package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/config"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/lifecycle"
	"github.com/yw0nam/DesktopMatePlus/pkg/gateway/metrics"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/processor"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/session"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/sessions"
	"github.com/yw0nam/DesktopMatePlus/pkg/stream/text"
)

// StreamHandler upgrades /v1/chat/stream and runs the connection session.
type StreamHandler struct {
	Config    config.Config
	Agent     session.StreamOpener
	Assets    session.AssetProvider
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry

	// Normalizer rules are loaded once at startup and shared by every
	// connection; the normalizer itself is stateless.
	Normalizer *text.Normalizer
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		writeError(w, http.StatusServiceUnavailable, "gateway is draining")
		return
	}
	if h.Agent == nil {
		writeError(w, http.StatusServiceUnavailable, "agent service is not configured")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var sess *session.Session
	sess, err = session.New(session.Dependencies{
		Conn:       conn,
		Agent:      h.Agent,
		Assets:     h.Assets,
		Logger:     logger,
		Metrics:    h.Metrics,
		Normalizer: h.Normalizer,
		OnAuthorized: func(userID string) {
			h.Registry.SetUser(sess.ID(), userID)
		},
		Config: session.Config{
			AuthTokens:        h.Config.AuthTokens,
			AuthDeadline:      h.Config.AuthDeadline,
			PingInterval:      h.Config.PingInterval,
			PongTimeout:       h.Config.PongTimeout,
			InactivityTimeout: h.Config.InactivityTimeout,
			WriteTimeout:      h.Config.WriteTimeout,
			MaxErrorTolerance: h.Config.MaxErrorTolerance,
			ErrorBackoff:      h.Config.ErrorBackoff,
			OutboundQueueSize: h.Config.OutboundQueueSize,
			Turn: processor.Limits{
				QueueCapacity: h.Config.QueueCapacity,
				MinChunkRunes: h.Config.MinChunkRunes,
				InterruptWait: h.Config.InterruptWait,
				CleanupTTL:    h.Config.CleanupTTL,
			},
		},
		Now: time.Now,
	})
	if err != nil {
		logger.Error("failed to create stream session", "error", err)
		_ = conn.Close()
		return
	}

	release := h.Registry.Add(sessions.Info{
		ConnectionID: sess.ID(),
		OpenedAt:     time.Now(),
	}, sess.Cancel)
	defer release()

	h.Metrics.ConnectionOpened()
	defer h.Metrics.ConnectionClosed()

	_ = sess.Run()
}
