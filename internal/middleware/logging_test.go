package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func parseLogLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("ログ行のJSONパースに失敗: %v: %s", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/digest", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	entries := parseLogLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("ログ行数 = %d, want 1", len(entries))
	}

	entry := entries[0]
	if entry["method"] != "GET" {
		t.Errorf("method = %v, want GET", entry["method"])
	}
	if entry["path"] != "/v1/digest" {
		t.Errorf("path = %v, want /v1/digest", entry["path"])
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_msが出力されていない")
	}
}

func TestLoggingMiddleware_ErrorStatusUsesErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/digest", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	entries := parseLogLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("ログ行数 = %d, want 1", len(entries))
	}
	if entries[0]["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entries[0]["level"])
	}
}

func TestLoggingMiddleware_ImplicitStatusIs200(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	// WriteHeaderを呼ばずにWriteだけした場合
	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	entries := parseLogLines(t, &buf)
	if entries[0]["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entries[0]["status"])
	}
}
