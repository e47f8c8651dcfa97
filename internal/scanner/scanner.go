// Package scanner validates untrusted attachment payloads before they are
// admitted to storage: MIME allow-listing, size limits, a light content
// scan for embedded script markers, and content hashing.
package scanner

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

// DefaultMaxBytes is the hard cap on attachment size.
const DefaultMaxBytes = 10 << 20 // 10MB

// scanWindow bounds how much of the payload the security scan inspects.
const scanWindow = 1024

// allowedTypes is the attachment MIME allow-list.
var allowedTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
}

// scriptMarkers are byte sequences that indicate embedded active content.
// Matching is case-insensitive over the scan window.
var scriptMarkers = []string{
	"<script",
	"javascript:",
	"onload=",
	"onerror=",
	"<?php",
	"eval(",
}

// Result is the outcome of validating one payload. Errors are terminal for
// the artifact; warnings are advisory and do not block ingestion.
type Result struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	ContentHash string   `json:"content_hash,omitempty"`
}

// ScanResult is the outcome of the security content scan. It is consumed
// by Validate and never persisted.
type ScanResult struct {
	Safe      bool
	Threats   []string
	ScannedAt time.Time
}

// Scanner validates attachment payloads against a size cap and the MIME
// allow-list. The zero MaxBytes means DefaultMaxBytes.
type Scanner struct {
	MaxBytes int64
}

// New returns a Scanner with the given size cap (<= 0 uses the default).
func New(maxBytes int64) *Scanner {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Scanner{MaxBytes: maxBytes}
}

// Allowed reports whether mimeType is in the attachment allow-list.
func Allowed(mimeType string) bool {
	return allowedTypes[normalizeMime(mimeType)]
}

func normalizeMime(mimeType string) string {
	if t, _, err := mime.ParseMediaType(mimeType); err == nil {
		return t
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// TypeByExtension infers a MIME type from the file extension of name,
// falling back to application/octet-stream.
func TypeByExtension(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return normalizeMime(t)
	}
	return "application/octet-stream"
}

// Scan runs the security content scan: script markers within the first
// scanWindow bytes and a hard-cap length check. Both fail the payload
// outright, independent of the declared-size checks.
func (s *Scanner) Scan(data []byte) ScanResult {
	res := ScanResult{Safe: true, ScannedAt: time.Now().UTC()}

	if int64(len(data)) > s.MaxBytes {
		res.Safe = false
		res.Threats = append(res.Threats, fmt.Sprintf("payload of %d bytes exceeds hard cap of %d", len(data), s.MaxBytes))
	}

	window := data
	if len(window) > scanWindow {
		window = window[:scanWindow]
	}
	lowered := bytes.ToLower(window)
	for _, marker := range scriptMarkers {
		if bytes.Contains(lowered, []byte(marker)) {
			res.Safe = false
			res.Threats = append(res.Threats, fmt.Sprintf("embedded script marker %q", marker))
		}
	}
	return res
}

// Validate checks a payload against its declared MIME type, name and size.
// Each check contributes errors or warnings independently. On success the
// SHA-256 content hash is computed and attached; hashing is skipped when
// any error was recorded, so rejected input costs no hash work.
func (s *Scanner) Validate(data []byte, declaredType, declaredName string, declaredSize int64) Result {
	var res Result

	declaredType = normalizeMime(declaredType)
	switch {
	case declaredType == "":
		res.Errors = append(res.Errors, "no MIME type declared")
	case !allowedTypes[declaredType]:
		res.Errors = append(res.Errors, fmt.Sprintf("type %q is not allowed", declaredType))
	default:
		if inferred := TypeByExtension(declaredName); inferred != "application/octet-stream" && inferred != declaredType {
			res.Warnings = append(res.Warnings, fmt.Sprintf("declared type %q does not match extension-inferred type %q", declaredType, inferred))
		}
	}

	switch {
	case declaredSize <= 0:
		res.Errors = append(res.Errors, "declared size must be positive")
	case declaredSize > s.MaxBytes:
		res.Errors = append(res.Errors, fmt.Sprintf("declared size %d exceeds limit of %d bytes", declaredSize, s.MaxBytes))
	case declaredSize > s.MaxBytes*8/10:
		res.Warnings = append(res.Warnings, fmt.Sprintf("declared size %d is above 80%% of the %d byte limit", declaredSize, s.MaxBytes))
	}

	scan := s.Scan(data)
	if !scan.Safe {
		for _, threat := range scan.Threats {
			res.Errors = append(res.Errors, "security: "+threat)
		}
	}

	if declaredType == "application/pdf" && len(res.Errors) == 0 {
		if err := probePDF(data); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("declared PDF does not parse: %v", err))
		}
	}

	if len(res.Errors) == 0 {
		res.Valid = true
		sum := sha256.Sum256(data)
		res.ContentHash = hex.EncodeToString(sum[:])
	}
	return res
}

// probePDF verifies that a payload declared as PDF actually opens as one.
func probePDF(data []byte) (err error) {
	defer func() {
		// The pdf package panics on some malformed inputs.
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed document: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	if r.NumPage() < 1 {
		return fmt.Errorf("document has no pages")
	}
	return nil
}
