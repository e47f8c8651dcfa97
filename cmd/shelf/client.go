package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/shelf/internal/config"
	"github.com/kalambet/shelf/internal/scanner"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.ReadToken(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("reading API token (has the daemon started at least once?): %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable — is shelf running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, "GET", path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, "POST", path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, "DELETE", path, nil)
}

var partQuoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, `\"`)

// filePartHeader builds the MIME header for one file part. The server
// validates against the part's declared Content-Type, so it is inferred
// from the extension rather than left at octet-stream (which the
// allow-list would reject).
func filePartHeader(name string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="files"; filename="%s"`, partQuoteEscaper.Replace(name)))
	h.Set("Content-Type", scanner.TypeByExtension(name))
	return h
}

// upload sends local files as one multipart batch.
func (c *apiClient) upload(ctx context.Context, ownerID, parentID string, paths []string) (*http.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("owner_id", ownerID); err != nil {
		return nil, err
	}
	if parentID != "" {
		if err := mw.WriteField("parent_id", parentID); err != nil {
			return nil, err
		}
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		fw, err := mw.CreatePart(filePartHeader(filepath.Base(p)))
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/attachments", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable — is shelf running? (%w)", err)
	}
	return resp, nil
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
