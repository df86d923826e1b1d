package app

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestLoggingCapturesStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), log)

	req := httptest.NewRequest(http.MethodGet, "/teapot", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status not passed through: %d", rr.Code)
	}
	out := buf.String()
	if !strings.Contains(out, `"msg":"http.request"`) || !strings.Contains(out, `"status":418`) {
		t.Fatalf("request log missing fields: %s", out)
	}
	if !strings.Contains(out, `"path":"/teapot"`) {
		t.Fatalf("path not logged: %s", out)
	}
}

func TestWithRequestLoggingDefaultsTo200(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("implicit ok"))
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if !strings.Contains(buf.String(), `"status":200`) {
		t.Fatalf("implicit 200 not logged: %s", buf.String())
	}
}

// WebSocket upgrades need the wrapped writer to still expose the
// optional interfaces of the underlying one.
func TestLoggingResponseWriterPreservesInterfaces(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	var w http.ResponseWriter = lrw
	if _, ok := w.(http.Flusher); !ok {
		t.Fatal("Flusher lost")
	}
	if _, ok := w.(http.Hijacker); !ok {
		t.Fatal("Hijacker lost")
	}
	if unwrapped := lrw.Unwrap(); unwrapped != http.ResponseWriter(rr) {
		t.Fatal("Unwrap does not return the wrapped writer")
	}

	// httptest.ResponseRecorder cannot hijack; the passthrough must say so.
	if _, _, err := lrw.Hijack(); err == nil {
		t.Fatal("hijack against a recorder must fail")
	}
}

func TestLoggingResponseWriterCountsBytes(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	if _, err := lrw.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if lrw.bytes != 10 {
		t.Fatalf("bytes = %d", lrw.bytes)
	}
}
