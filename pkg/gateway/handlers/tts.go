package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/yw0nam/DesktopMatePlus/pkg/services/tts"
)

// Synthesizer renders text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts tts.Options) (string, error)
}

// TTSHandler handles POST /v1/tts/synthesize.
type TTSHandler struct {
	TTS Synthesizer
}

type synthesizeRequest struct {
	Text        string `json:"text"`
	ReferenceID string `json:"reference_id,omitempty"`
	Format      string `json:"format,omitempty"`
}

type synthesizeResponse struct {
	AudioBase64 string `json:"audio_base64"`
}

func (h TTSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.TTS == nil {
		writeError(w, http.StatusServiceUnavailable, "tts service is not configured")
		return
	}

	var req synthesizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	audio, err := h.TTS.Synthesize(r.Context(), req.Text, tts.Options{
		ReferenceID: req.ReferenceID,
		Format:      req.Format,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, synthesizeResponse{AudioBase64: audio})
}
