package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/shelf/internal/attachment"
	"github.com/kalambet/shelf/internal/resilience"
)

// DegradedNotice is the text-only stand-in returned when the vision model
// cannot be reached. The conversational caller shows it instead of a
// description; the upload itself is unaffected.
const DegradedNotice = "[attachment description unavailable: vision model could not be reached]"

const defaultPrompt = "Describe the attached image(s) concisely for a conversation transcript."

// Fetcher resolves artifact ids to their bytes and records.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (attachment.FetchResult, error)
}

// ChatClient is the model transport. *Client satisfies it.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []Message) (string, error)
}

// Describer builds multimodal messages from stored attachments and asks a
// vision model to describe them.
type Describer struct {
	client  ChatClient
	fetcher Fetcher
	exec    *resilience.Executor
	model   string
	retry   resilience.Config
}

// NewDescriber wires a Describer. The retry template's Operation is
// overridden with "vision.describe".
func NewDescriber(client ChatClient, fetcher Fetcher, exec *resilience.Executor, model string, retry resilience.Config) *Describer {
	if retry == (resilience.Config{}) {
		retry = resilience.DefaultConfig("")
	}
	retry.Operation = "vision.describe"
	return &Describer{client: client, fetcher: fetcher, exec: exec, model: model, retry: retry}
}

// Result is the description produced for a batch of attachments.
type Result struct {
	Text     string   `json:"text"`
	Degraded bool     `json:"degraded"`
	Skipped  []string `json:"skipped,omitempty"` // ids that could not be loaded
}

// BuildMessages fetches the artifacts concurrently and assembles the
// multimodal message list: one user message carrying the prompt and every
// readable image as a base64 payload. Non-image artifacts and ids that
// fail to load are skipped, reported in the second return value.
func (d *Describer) BuildMessages(ctx context.Context, ids []string, prompt string) ([]Message, []string, error) {
	if prompt == "" {
		prompt = defaultPrompt
	}

	var mu sync.Mutex
	images := make(map[string]string, len(ids))
	var skipped []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			res, err := d.fetcher.Fetch(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || !strings.HasPrefix(res.Record.MimeType, "image/") {
				skipped = append(skipped, id)
				return nil
			}
			images[id] = base64.StdEncoding.EncodeToString(res.Data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if len(images) == 0 {
		return nil, skipped, fmt.Errorf("none of %d attachment(s) could be loaded as images", len(ids))
	}

	// Keep the caller's id order for the payloads.
	encoded := make([]string, 0, len(images))
	for _, id := range ids {
		if img, ok := images[id]; ok {
			encoded = append(encoded, img)
		}
	}
	sort.Strings(skipped)

	return []Message{{Role: "user", Content: prompt, Images: encoded}}, skipped, nil
}

// Describe asks the vision model about the given attachments. Model
// failures go through retry and circuit breaking and then degrade to
// DegradedNotice; only a batch where nothing could be loaded is an error.
func (d *Describer) Describe(ctx context.Context, ids []string, prompt string) (Result, error) {
	messages, skipped, err := d.BuildMessages(ctx, ids, prompt)
	if err != nil {
		return Result{}, err
	}

	degraded := false
	text, err := resilience.ExecuteWithFallback(ctx, d.exec, d.retry,
		func(ctx context.Context) (string, error) {
			return d.client.Chat(ctx, d.model, messages)
		},
		func(context.Context) (string, error) {
			degraded = true
			return DegradedNotice, nil
		})
	if err != nil {
		// Unreachable in practice: the fallback cannot fail.
		return Result{}, err
	}
	return Result{Text: text, Degraded: degraded, Skipped: skipped}, nil
}
