// Package api exposes the attachment service over HTTP (chi router,
// bearer auth) and over MCP for agent access. Handlers translate the
// service's error taxonomy into the JSON error envelope; all heavy
// lifting stays in the attachment, lifecycle and vision packages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/shelf/internal/attachment"
	"github.com/kalambet/shelf/internal/blobstore"
	"github.com/kalambet/shelf/internal/lifecycle"
	"github.com/kalambet/shelf/internal/resilience"
	"github.com/kalambet/shelf/internal/vision"
)

const maxUploadBodySize = 64 << 20 // whole multipart body; per-file cap is the scanner's

// Describer is the vision surface the API needs. *vision.Describer
// satisfies it; nil disables the describe endpoint.
type Describer interface {
	Describe(ctx context.Context, ids []string, prompt string) (vision.Result, error)
}

// AppDeps wires the HTTP handler.
type AppDeps struct {
	Service  *attachment.Service
	Sweeper  *lifecycle.Engine
	Exec     *resilience.Executor
	Describe Describer // optional
	Token    string
}

// NewAppHandler returns the authenticated application router. /health is
// the only unauthenticated route.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/attachments", handleUpload(deps))
		r.Get("/attachments", handleList(deps))
		r.Get("/attachments/{id}", handleDownload(deps))
		r.Delete("/attachments/{id}", handleDelete(deps))
		r.Post("/attachments/describe", handleDescribe(deps))

		r.Get("/stats", handleStats(deps))
		r.Post("/cleanup", handleCleanup(deps))
		r.Get("/ops/log", handleOpsLog(deps))
		r.Get("/ops/breakers", handleBreakers(deps))
		r.Post("/ops/breakers/reset", handleBreakerReset(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// UploadOutcome is the per-file result of a multipart upload. A batch
// succeeds file by file: one rejected attachment never fails its siblings.
type UploadOutcome struct {
	Filename string   `json:"filename"`
	ID       string   `json:"id,omitempty"`
	Stored   bool     `json:"stored"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		reader, err := r.MultipartReader()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "expected multipart form: %v", err)
			return
		}

		var (
			ownerID  string
			parentID string
			outcomes []UploadOutcome
		)
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading multipart body: %v", err)
				return
			}

			switch part.FormName() {
			case "owner_id":
				ownerID = formValue(part)
				continue
			case "parent_id":
				parentID = formValue(part)
				continue
			case "files":
			default:
				part.Close()
				continue
			}

			if ownerID == "" {
				part.Close()
				httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id must precede files in the form")
				return
			}

			data, err := io.ReadAll(part)
			filename := part.FileName()
			mimeType := part.Header.Get("Content-Type")
			part.Close()
			if err != nil {
				outcomes = append(outcomes, UploadOutcome{
					Filename: filename,
					Errors:   []string{"reading upload: " + err.Error()},
				})
				continue
			}

			outcomes = append(outcomes, storeOne(r, deps, attachment.StoreInput{
				Data:     data,
				Filename: filename,
				MimeType: mimeType,
				OwnerID:  ownerID,
				ParentID: parentID,
			}))
		}

		if len(outcomes) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no files in upload")
			return
		}

		status := http.StatusOK
		if allRejected(outcomes) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{"attachments": outcomes})
	}
}

func storeOne(r *http.Request, deps AppDeps, in attachment.StoreInput) UploadOutcome {
	out, err := deps.Service.Store(r.Context(), in)
	if err == nil {
		return UploadOutcome{
			Filename: in.Filename,
			ID:       out.Record.ID,
			Stored:   true,
			Warnings: out.Warnings,
		}
	}

	var ve *attachment.ValidationError
	switch {
	case errors.As(err, &ve):
		return UploadOutcome{Filename: in.Filename, Errors: ve.Errors, Warnings: ve.Warnings}
	case errors.Is(err, blobstore.ErrInsufficientSpace):
		return UploadOutcome{Filename: in.Filename, Errors: []string{"insufficient storage space"}}
	default:
		slog.Error("attachment store failed", "filename", in.Filename, "error", err)
		return UploadOutcome{Filename: in.Filename, Errors: []string{"storage failure: " + err.Error()}}
	}
}

func allRejected(outcomes []UploadOutcome) bool {
	for _, o := range outcomes {
		if o.Stored {
			return false
		}
	}
	return true
}

func formValue(part io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(part, 1024))
	return strings.TrimSpace(string(b))
}

func handleDownload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		res, err := deps.Service.Fetch(r.Context(), id)
		if errors.Is(err, attachment.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "attachment not found")
			return
		}
		if errors.Is(err, attachment.ErrExpired) {
			httpError(w, http.StatusGone, "expired", "attachment retention window has passed")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching attachment: %v", err)
			return
		}

		etag := `"` + res.Record.ContentHash + `"`
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", res.Record.MimeType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+res.Record.Filename+`"`)
		w.Write(res.Data)
	}
}

func handleList(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := r.URL.Query().Get("owner")
		parent := r.URL.Query().Get("parent")

		switch {
		case owner != "":
			recs, err := deps.Service.ListByOwner(owner)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "listing attachments: %v", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"attachments": recs})
		case parent != "":
			recs, err := deps.Service.ListByParent(parent)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "listing attachments: %v", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"attachments": recs})
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner or parent query parameter is required")
		}
	}
}

func handleDelete(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		removed, err := deps.Service.Remove(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "removing attachment: %v", err)
			return
		}
		if !removed {
			httpError(w, http.StatusNotFound, "not_found", "attachment not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// DescribeRequest asks the vision model to describe stored attachments.
type DescribeRequest struct {
	IDs    []string `json:"ids"`
	Prompt string   `json:"prompt"`
}

func handleDescribe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Describe == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "vision model not configured")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req DescribeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.IDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ids is required")
			return
		}

		res, err := deps.Describe.Describe(r.Context(), req.IDs, req.Prompt)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "describing attachments: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Service.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"storage": st,
			"sweeps":  deps.Sweeper.Stats(),
			"metrics": deps.Exec.Metrics(),
		})
	}
}

func handleCleanup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Sweeper.Sweep())
	}
}

func handleOpsLog(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 0)
		level := slog.LevelDebug
		if s := r.URL.Query().Get("level"); s != "" {
			if err := level.UnmarshalText([]byte(s)); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid level %q", s)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": deps.Exec.Events().Recent(level, limit),
		})
	}
}

func handleBreakers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"breakers": deps.Exec.Breakers()})
	}
}

func handleBreakerReset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op := r.URL.Query().Get("operation")
		if op == "" {
			deps.Exec.ResetAllBreakers()
		} else {
			deps.Exec.ResetBreaker(op)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}
