package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/yw0nam/DesktopMatePlus/pkg/services/memory"
)

// SessionStore is the short-term-memory surface the handler exposes.
type SessionStore interface {
	CreateSession(ctx context.Context, userID, agentID, title string) (memory.Session, error)
	GetSession(ctx context.Context, id string) (memory.Session, error)
	ListSessions(ctx context.Context, userID string) ([]memory.Session, error)
	DeleteSession(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, sessionID, role, content string) (memory.Message, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]memory.Message, error)
}

// STMHandler serves /v1/stm/sessions and /v1/stm/sessions/{id}[/messages].
type STMHandler struct {
	Store SessionStore
}

type createSessionRequest struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
	Title   string `json:"title,omitempty"`
}

type appendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h STMHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "stm service is not configured")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/stm/sessions"), "/")
	switch {
	case rest == "":
		h.serveCollection(w, r)
	case strings.HasSuffix(rest, "/messages"):
		h.serveMessages(w, r, strings.TrimSuffix(rest, "/messages"))
	default:
		h.serveSession(w, r, rest)
	}
}

func (h STMHandler) serveCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createSessionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.AgentID) == "" {
			writeError(w, http.StatusBadRequest, "user_id and agent_id are required")
			return
		}
		sess, err := h.Store.CreateSession(r.Context(), req.UserID, req.AgentID, req.Title)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	case http.MethodGet:
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		sessions, err := h.Store.ListSessions(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if sessions == nil {
			sessions = []memory.Session{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h STMHandler) serveSession(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		sess, err := h.Store.GetSession(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case http.MethodDelete:
		if err := h.Store.DeleteSession(r.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h STMHandler) serveMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodPost:
		var req appendMessageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Role) == "" || strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, "role and content are required")
			return
		}
		msg, err := h.Store.AppendMessage(r.Context(), sessionID, req.Role, req.Content)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	case http.MethodGet:
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		messages, err := h.Store.ListMessages(r.Context(), sessionID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if messages == nil {
			messages = []memory.Message{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
