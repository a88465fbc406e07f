package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/yw0nam/DesktopMatePlus/pkg/services/memory"
)

// MemoryService is the long-term-memory surface the handler exposes.
type MemoryService interface {
	Add(ctx context.Context, userID, agentID, memoryText string, metadata map[string]any) (memory.MemoryRecord, error)
	Search(ctx context.Context, userID, query string, limit int) ([]memory.MemoryRecord, error)
	Delete(ctx context.Context, memoryID string) error
}

// LTMHandler serves /v1/ltm/memories[/search | /{id}].
type LTMHandler struct {
	LTM MemoryService
}

type addMemoryRequest struct {
	UserID   string         `json:"user_id"`
	AgentID  string         `json:"agent_id,omitempty"`
	Memory   string         `json:"memory"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type searchMemoryRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
}

func (h LTMHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.LTM == nil {
		writeError(w, http.StatusServiceUnavailable, "ltm service is not configured")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/ltm/memories"), "/")
	switch {
	case rest == "" && r.Method == http.MethodPost:
		h.serveAdd(w, r)
	case rest == "search" && r.Method == http.MethodPost:
		h.serveSearch(w, r)
	case rest != "" && rest != "search" && r.Method == http.MethodDelete:
		if err := h.LTM.Delete(r.Context(), rest); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h LTMHandler) serveAdd(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Memory) == "" {
		writeError(w, http.StatusBadRequest, "user_id and memory are required")
		return
	}
	record, err := h.LTM.Add(r.Context(), req.UserID, req.AgentID, req.Memory, req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h LTMHandler) serveSearch(w http.ResponseWriter, r *http.Request) {
	var req searchMemoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "user_id and query are required")
		return
	}
	results, err := h.LTM.Search(r.Context(), req.UserID, req.Query, req.Limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if results == nil {
		results = []memory.MemoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
