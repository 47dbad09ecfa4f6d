package redact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// MaxBodyBytes bounds the request bodies the middleware will inspect.
const MaxBodyBytes = 1 << 20

type Mode string

const (
	ModeRedact Mode = "redact"
	ModeBlock  Mode = "block"
	ModeOff    Mode = "off"
)

// ParseMode falls back to ModeRedact for unknown values.
func ParseMode(value string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeBlock:
		return ModeBlock
	case ModeOff:
		return ModeOff
	default:
		return ModeRedact
	}
}

type findingsKey struct{}

// FindingsFromContext returns what the middleware redacted from the request body.
func FindingsFromContext(ctx context.Context) []Finding {
	findings, _ := ctx.Value(findingsKey{}).([]Finding)
	return findings
}

// Middleware inspects write request bodies. onFindings, if set, is called
// whenever a body contained anything sensitive.
func Middleware(r *Redactor, mode Mode, onFindings func(*http.Request, []Finding)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if mode == ModeOff || req.Body == nil || !isWrite(req.Method) {
				next.ServeHTTP(w, req)
				return
			}

			raw, err := io.ReadAll(http.MaxBytesReader(w, req.Body, MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body exceeds 1 MiB", nil)
					return
				}
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Unable to read request body", nil)
				return
			}

			body, findings := r.redactBody(raw, req.Header.Get("Content-Type"))
			if len(findings) > 0 && onFindings != nil {
				onFindings(req, findings)
			}

			if len(findings) > 0 && mode == ModeBlock {
				writeError(w, http.StatusUnprocessableEntity, "SECRET_DETECTED", "Request contains sensitive values", map[string]any{
					"rules": ruleNames(findings),
				})
				return
			}

			if len(findings) > 0 {
				w.Header().Set("X-Redactions", strconv.Itoa(len(findings)))
				req = req.WithContext(context.WithValue(req.Context(), findingsKey{}, findings))
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
			next.ServeHTTP(w, req)
		})
	}
}

func isWrite(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// redactBody redacts string values of a JSON document in place so the
// result stays valid JSON. Other payloads are treated as text.
func (r *Redactor) redactBody(raw []byte, contentType string) ([]byte, []Finding) {
	if len(raw) == 0 {
		return raw, nil
	}
	if strings.Contains(contentType, "json") || json.Valid(raw) {
		var doc any
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(&doc); err == nil {
			var findings []Finding
			doc = r.redactValue(doc, &findings)
			if len(findings) == 0 {
				return raw, nil
			}
			out, err := json.Marshal(doc)
			if err == nil {
				return out, findings
			}
		}
	}
	text, findings := r.Redact(string(raw))
	return []byte(text), findings
}

func (r *Redactor) redactValue(value any, findings *[]Finding) any {
	switch v := value.(type) {
	case string:
		out, found := r.Redact(v)
		*findings = append(*findings, found...)
		return out
	case []any:
		for i := range v {
			v[i] = r.redactValue(v[i], findings)
		}
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			v[key] = r.redactValue(v[key], findings)
		}
		return v
	default:
		return v
	}
}

func ruleNames(findings []Finding) []string {
	seen := map[string]bool{}
	names := make([]string, 0, len(findings))
	for _, f := range findings {
		if !seen[f.Rule] {
			seen[f.Rule] = true
			names = append(names, f.Rule)
		}
	}
	sort.Strings(names)
	return names
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	payload := map[string]any{"code": code, "error": message}
	if len(details) > 0 {
		payload["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
