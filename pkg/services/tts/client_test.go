package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSynthesize(t *testing.T) {
	audio := []byte("RIFFfakewav")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tts" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if req["text"] != "Hello there." {
			http.Error(w, "wrong text", http.StatusBadRequest)
			return
		}
		if req["reference_id"] != "voice-7" {
			http.Error(w, "wrong reference", http.StatusBadRequest)
			return
		}
		_, _ = w.Write(audio)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "voice-7", nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := client.Synthesize(context.Background(), "Hello there.", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got != base64.StdEncoding.EncodeToString(audio) {
		t.Fatalf("audio=%q", got)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	client, _ := NewClient("http://127.0.0.1:1", "", nil)
	if _, err := client.Synthesize(context.Background(), "  ", Options{}); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestSynthesize_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "", nil)
	if _, err := client.Synthesize(context.Background(), "Hello.", Options{}); err == nil {
		t.Fatal("expected error for upstream failure")
	}
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "", nil)
	ok, msg := client.Healthy(context.Background())
	if !ok {
		t.Fatalf("unhealthy: %s", msg)
	}
}
