package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("hello", "agent_id", "42")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["agent_id"] != "42" {
		t.Errorf("expected agent_id=42, got %v", line["agent_id"])
	}
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}
}

func TestL_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-456")

	L(ctx).Info("probe")
	if !strings.Contains(buf.String(), "request_id=req-456") {
		t.Errorf("expected request_id in %q", buf.String())
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("Expected default logger")
	}
}

func newRouter(buf *bytes.Buffer) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware(NewWithWriter(buf, "info", "text")), AccessMiddleware())
	r.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, RequestID(c.Request.Context()))
	})
	r.GET("/boom", func(c *gin.Context) {
		c.Status(http.StatusBadGateway)
	})
	return r
}

func TestRequestIDMiddleware_Generates(t *testing.T) {
	var buf bytes.Buffer
	w := httptest.NewRecorder()
	newRouter(&buf).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

	id := w.Header().Get(RequestIDHeader)
	if len(id) != 32 {
		t.Fatalf("expected 32 hex char request id, got %q", id)
	}
	if w.Body.String() != id {
		t.Errorf("context request id %q does not match header %q", w.Body.String(), id)
	}
}

func TestRequestIDMiddleware_KeepsInbound(t *testing.T) {
	var buf bytes.Buffer
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(RequestIDHeader, "lb-7")
	w := httptest.NewRecorder()
	newRouter(&buf).ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "lb-7" {
		t.Errorf("expected inbound id to be kept, got %q", got)
	}
}

func TestAccessMiddleware_LevelByStatus(t *testing.T) {
	var buf bytes.Buffer
	r := newRouter(&buf)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	if !strings.Contains(buf.String(), "level=INFO") || !strings.Contains(buf.String(), "status=200") {
		t.Errorf("expected info access line, got %q", buf.String())
	}

	buf.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	if !strings.Contains(buf.String(), "level=ERROR") || !strings.Contains(buf.String(), "path=/boom") {
		t.Errorf("expected error access line, got %q", buf.String())
	}
}
