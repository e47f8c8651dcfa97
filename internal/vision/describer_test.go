package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/shelf/internal/attachment"
	"github.com/kalambet/shelf/internal/metastore"
	"github.com/kalambet/shelf/internal/resilience"
)

type fakeFetcher struct {
	artifacts map[string]attachment.FetchResult
}

func (f *fakeFetcher) Fetch(_ context.Context, id string) (attachment.FetchResult, error) {
	res, ok := f.artifacts[id]
	if !ok {
		return attachment.FetchResult{}, attachment.ErrNotFound
	}
	return res, nil
}

func fastRetry() resilience.Config {
	cfg := resilience.DefaultConfig("")
	cfg.MaxRetries = 1
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	return cfg
}

func imageResult(mime string, data []byte) attachment.FetchResult {
	return attachment.FetchResult{
		Data:   data,
		Record: metastore.ArtifactRecord{MimeType: mime},
	}
}

func TestDescribe_SendsBase64Images(t *testing.T) {
	var gotReq struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": Message{Role: "assistant", Content: "a small red square"},
		})
	}))
	defer srv.Close()

	fetcher := &fakeFetcher{artifacts: map[string]attachment.FetchResult{
		"img-1": imageResult("image/png", []byte("png-bytes")),
	}}
	d := NewDescriber(NewClient(srv.URL), fetcher, resilience.NewExecutor(32), "llava", fastRetry())

	res, err := d.Describe(context.Background(), []string{"img-1"}, "")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if res.Text != "a small red square" || res.Degraded {
		t.Errorf("result = %+v", res)
	}

	if gotReq.Model != "llava" {
		t.Errorf("model = %q, want llava", gotReq.Model)
	}
	if len(gotReq.Messages) != 1 || len(gotReq.Messages[0].Images) != 1 {
		t.Fatalf("messages = %+v, want one message with one image", gotReq.Messages)
	}
	want := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	if gotReq.Messages[0].Images[0] != want {
		t.Error("image payload is not the base64 of the stored bytes")
	}
}

func TestDescribe_SkipsUnloadableAndNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"message": Message{Role: "assistant", Content: "ok"},
		})
	}))
	defer srv.Close()

	fetcher := &fakeFetcher{artifacts: map[string]attachment.FetchResult{
		"img-1": imageResult("image/jpeg", []byte("jpeg")),
		"doc-1": imageResult("application/pdf", []byte("pdf")),
	}}
	d := NewDescriber(NewClient(srv.URL), fetcher, resilience.NewExecutor(32), "llava", fastRetry())

	res, err := d.Describe(context.Background(), []string{"img-1", "doc-1", "missing"}, "what is this?")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(res.Skipped) != 2 {
		t.Errorf("Skipped = %v, want doc-1 and missing", res.Skipped)
	}
}

func TestDescribe_AllUnloadableIsError(t *testing.T) {
	d := NewDescriber(nil, &fakeFetcher{}, resilience.NewExecutor(32), "llava", fastRetry())
	if _, err := d.Describe(context.Background(), []string{"a", "b"}, ""); err == nil {
		t.Fatal("expected error when no attachment loads")
	}
}

func TestDescribe_DegradesWhenModelUnreachable(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fetcher := &fakeFetcher{artifacts: map[string]attachment.FetchResult{
		"img-1": imageResult("image/png", []byte("png")),
	}}
	d := NewDescriber(NewClient(srv.URL), fetcher, resilience.NewExecutor(32), "llava", fastRetry())

	res, err := d.Describe(context.Background(), []string{"img-1"}, "")
	if err != nil {
		t.Fatalf("Describe must degrade, not fail: %v", err)
	}
	if !res.Degraded || res.Text != DegradedNotice {
		t.Errorf("result = %+v, want degraded notice", res)
	}
	if calls != 2 {
		t.Errorf("model called %d times, want 2 (1 + 1 retry)", calls)
	}
}

// failingChat always errors; used to verify the executor sees the handoff.
type failingChat struct{}

func (failingChat) Chat(context.Context, string, []Message) (string, error) {
	return "", errors.New("connection refused")
}

func TestDescribe_BreakerOpensOnRepeatedHandoffFailure(t *testing.T) {
	fetcher := &fakeFetcher{artifacts: map[string]attachment.FetchResult{
		"img-1": imageResult("image/png", []byte("png")),
	}}
	exec := resilience.NewExecutor(32)

	cfg := fastRetry()
	cfg.BreakerThreshold = 2
	d := NewDescriber(failingChat{}, fetcher, exec, "llava", cfg)

	for i := 0; i < 3; i++ {
		res, err := d.Describe(context.Background(), []string{"img-1"}, "")
		if err != nil || !res.Degraded {
			t.Fatalf("call %d: (%+v, %v), want degraded result", i, res, err)
		}
	}

	for _, b := range exec.Breakers() {
		if b.Operation == "vision.describe" {
			if !b.Open {
				t.Error("vision.describe breaker not open after repeated failures")
			}
			return
		}
	}
	t.Fatal("no breaker recorded for vision.describe")
}

func TestChat_SurfacesModelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "model not found"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Chat(context.Background(), "nope", []Message{{Role: "user", Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("error = %v, want model error surfaced", err)
	}
}
