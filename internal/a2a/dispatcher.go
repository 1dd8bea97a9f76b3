package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/paywall"
)

// Handler executes a screened JSON-RPC request.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// Dispatcher is the HTTP entry point of the envelope transport. It rejects
// malformed bodies, runs the payment gate for paid methods before any
// dispatch, and converts handler panics into internal errors.
type Dispatcher struct {
	gate    *paywall.Gate
	handler Handler
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(gate *paywall.Gate, handler Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{gate: gate, handler: handler, logger: logger.With("component", "a2a")}
}

// acceptableContentType reports whether a body of this media type may carry
// an envelope. text/plain is tolerated for clients that do not set JSON.
func acceptableContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	switch {
	case ct == "":
		return true
	case ct == "application/json", ct == "text/plain":
		return true
	case strings.HasSuffix(ct, "+json"):
		return true
	}
	return false
}

// ServeRPC handles POST /a2a
func (d *Dispatcher) ServeRPC(c *gin.Context) {
	var id json.RawMessage
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in envelope dispatch", "panic", r, "stack", string(debug.Stack()))
			d.write(c, NewErrorResponse(id, CodeInternalError, "Internal error", nil))
		}
	}()

	if !acceptableContentType(c.ContentType()) {
		d.write(c, NewErrorResponse(nil, CodeInvalidRequest, "Invalid Request", "unsupported content type "+c.ContentType()))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		msg := "could not read body"
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		d.write(c, NewErrorResponse(nil, CodeInvalidRequest, "Invalid Request", msg))
		return
	}

	req := &Request{}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		if !json.Valid(trimmed) {
			d.write(c, NewErrorResponse(nil, CodeParseError, "Parse error", nil))
			return
		}
		if trimmed[0] != '{' {
			d.write(c, NewErrorResponse(nil, CodeInvalidRequest, "Invalid Request", "body must be a JSON object"))
			return
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			d.write(c, NewErrorResponse(nil, CodeInvalidRequest, "Invalid Request", "body must be a JSON object"))
			return
		}
		if !validID(fields["id"]) {
			d.write(c, NewErrorResponse(nil, CodeInvalidRequest, "Invalid Request", "id must be a string, number or null"))
			return
		}
		id = fields["id"]
		req.ID = id
		req.Params = fields["params"]
		// Non-string values are left empty for the handler to reject.
		_ = json.Unmarshal(fields["jsonrpc"], &req.JSONRPC)
		_ = json.Unmarshal(fields["method"], &req.Method)
	}

	if req.Method != "" {
		gateReq := d.gate.RESTRequest(c)
		gateReq.Transport = paywall.TransportJSONRPC
		gateReq.RPCMethod = req.Method
		if !d.gate.Authorize(c, gateReq) {
			return
		}
	}

	resp := d.handler.Handle(c.Request.Context(), req)
	if req.Method == MethodMessageStream && resp.Error == nil {
		d.stream(c, resp)
		return
	}
	d.write(c, resp)
}

// write always answers HTTP 200; protocol errors travel in the envelope.
func (d *Dispatcher) write(c *gin.Context, resp *Response) {
	c.JSON(http.StatusOK, resp)
}

// stream answers message/stream with a single server-sent event carrying
// the final task.
func (d *Dispatcher) stream(c *gin.Context, resp *Response) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent("", *resp)
	c.Writer.Flush()
}
