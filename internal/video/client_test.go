package video

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:     srv.URL,
		TokenID:     "token-id",
		TokenSecret: "token-secret",
	}, zerolog.Nop())
}

func TestCreateStreamSendsAuthAndDecodesEnvelope(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/video/v1/live-streams" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "token-id" || pass != "token-secret" {
			t.Errorf("missing or wrong basic auth")
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if _, ok := body["playback_policy"]; !ok {
			t.Errorf("request missing playback_policy")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"ls-1","stream_key":"key-1","status":"idle","playback_ids":[{"id":"pb-1","policy":"public"}]}}`))
	})

	stream, err := client.CreateStream(context.Background(), PolicyPublic)
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	if stream.ID != "ls-1" || stream.StreamKey != "key-1" || stream.PlaybackID != "pb-1" {
		t.Fatalf("unexpected stream: %+v", stream)
	}
}

func TestGetStreamMapsNotFound(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if _, err := client.GetStream(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetStreamReturnsStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video/v1/live-streams/ls-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"ls-1","status":"active"}}`))
	})

	stream, err := client.GetStream(context.Background(), "ls-1")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if stream.Status != StatusActive {
		t.Fatalf("expected active status, got %q", stream.Status)
	}
}

func TestDeleteStreamSurfacesServerErrors(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if err := client.DeleteStream(context.Background(), "ls-1"); err == nil {
		t.Fatalf("expected error on HTTP 500")
	}
}

func TestCreatePlaybackID(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/video/v1/live-streams/ls-1/playback-ids" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["policy"] != PolicyPublic {
			t.Errorf("expected public policy, got %q", body["policy"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"pb-9","policy":"public"}}`))
	})

	id, err := client.CreatePlaybackID(context.Background(), "ls-1", PolicyPublic)
	if err != nil {
		t.Fatalf("create playback id: %v", err)
	}
	if id != "pb-9" {
		t.Fatalf("unexpected playback id %q", id)
	}
}
