package handlers

import (
	"context"
	"net/http"
	"strings"
)

// Analyzer answers a prompt about one or more images.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string, imagesB64 []string) (string, error)
}

// VLMHandler handles POST /v1/vlm/analyze.
type VLMHandler struct {
	VLM Analyzer
}

type analyzeRequest struct {
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
}

type analyzeResponse struct {
	Text string `json:"text"`
}

func (h VLMHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.VLM == nil {
		writeError(w, http.StatusServiceUnavailable, "vlm service is not configured")
		return
	}

	var req analyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	text, err := h.VLM.Analyze(r.Context(), req.Prompt, req.Images)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponse{Text: text})
}
