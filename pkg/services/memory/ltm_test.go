package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLTMAdd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/memories" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["user_id"] != "u1" || req["memory"] != "likes rainy days" {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(MemoryRecord{ID: "m1", Memory: "likes rainy days", UserID: "u1"})
	}))
	defer srv.Close()

	client, err := NewLTMClient(srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	record, err := client.Add(context.Background(), "u1", "a1", "likes rainy days", nil)
	if err != nil {
		t.Fatal(err)
	}
	if record.ID != "m1" {
		t.Fatalf("record=%+v", record)
	}
}

func TestLTMSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/memories/search" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["query"] != "weather" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []MemoryRecord{{ID: "m1", Memory: "likes rainy days", Score: 0.92}},
		})
	}))
	defer srv.Close()

	client, _ := NewLTMClient(srv.URL, nil)
	results, err := client.Search(context.Background(), "u1", "weather", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Score != 0.92 {
		t.Fatalf("results=%+v", results)
	}
}

func TestLTMDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/memories/m1" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, _ := NewLTMClient(srv.URL, nil)
	if err := client.Delete(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
}

func TestLTMUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "vector store down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewLTMClient(srv.URL, nil)
	if _, err := client.Add(context.Background(), "u1", "", "x", nil); err == nil {
		t.Fatal("expected error")
	}
}
