package genclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"z-novel-studio/internal/config"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/pkg/errors"
)

// TestOpenStream posts the request and returns the event stream body.
func TestOpenStream(t *testing.T) {
	var gotPath, gotAccept string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"content\":\"你好\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewWithHTTPClient(config.GenerationClientConfig{
		BaseURL:      srv.URL + "/",
		GeneratePath: "/v1/projects/{project_id}/chapters/generate",
	}, srv.Client())

	body, err := c.OpenStream(context.Background(), entity.GenerateRequest{
		ProjectID:  "p-1",
		UnitNumber: 7,
		Prompt:     "写一场重逢",
	})
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(data), "[DONE]") {
		t.Fatalf("body = %q", data)
	}
	if gotPath != "/v1/projects/p-1/chapters/generate" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAccept != "text/event-stream" {
		t.Fatalf("Accept = %q", gotAccept)
	}
	if gotBody["unit_number"] != float64(7) || gotBody["prompt"] != "写一场重逢" {
		t.Fatalf("request body = %v", gotBody)
	}
	if _, ok := gotBody["project_id"]; ok {
		t.Fatal("project_id belongs in the path, not the body")
	}
}

// TestOpenStreamNon2xx maps error statuses to transport errors.
func TestOpenStreamNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewWithHTTPClient(config.GenerationClientConfig{BaseURL: srv.URL, GeneratePath: "/gen"}, srv.Client())
	_, err := c.OpenStream(context.Background(), entity.GenerateRequest{UnitNumber: 1})
	if !stderrors.Is(err, errors.ErrTransport) {
		t.Fatalf("error = %v, want transport error", err)
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("error %q should carry status and body excerpt", err.Error())
	}
}

// TestOpenStreamUnreachable reports connection failures as transport errors.
func TestOpenStreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(config.GenerationClientConfig{BaseURL: url, GeneratePath: "/gen"})
	_, err := c.OpenStream(context.Background(), entity.GenerateRequest{UnitNumber: 1})
	if !stderrors.Is(err, errors.ErrTransport) {
		t.Fatalf("error = %v, want transport error", err)
	}
}
