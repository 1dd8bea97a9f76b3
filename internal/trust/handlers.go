package trust

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/checks"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/paywall"
	"github.com/mbd888/trustgate/internal/validation"
)

// Handler serves the trust operations over REST and the invoke envelope.
type Handler struct {
	service *Service
	gate    *paywall.Gate
}

// NewHandler creates a new trust handler.
func NewHandler(service *Service, gate *paywall.Gate) *Handler {
	return &Handler{service: service, gate: gate}
}

// RegisterRoutes mounts the operations on the /agent group. Input is
// validated before the payment gate so malformed requests are never charged.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	for _, op := range Ops {
		handlers := []gin.HandlerFunc{validation.AgentIDParamMiddleware()}
		if op == OpValidate {
			handlers = append(handlers, checksQueryMiddleware())
		}
		handlers = append(handlers, h.gate.Middleware(), h.rest(op))
		r.GET("/:id/"+string(op), handlers...)
	}
	r.POST("/:op/invoke", h.Invoke)
}

func checksQueryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := checks.SplitChecks(c.Query("checks")); err != nil {
			validation.Abort(c, validation.ValidationErrors{{Field: "checks", Message: err.Error()}})
			return
		}
		c.Next()
	}
}

// rest handles GET /agent/:id/{profile,score,validate}
func (h *Handler) rest(op Op) gin.HandlerFunc {
	return func(c *gin.Context) {
		in := Input{AgentID: c.Param("id"), Chain: c.Query("chain")}
		if raw := c.Query("checks"); raw != "" {
			in.Checks = strings.Split(raw, ",")
		}
		result, err := h.service.Run(c.Request.Context(), op, in)
		if err != nil {
			h.writeError(c, op, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type invokeRequest struct {
	Input *Input `json:"input"`
}

// Invoke handles POST /agent/:op/invoke
func (h *Handler) Invoke(c *gin.Context) {
	op, ok := ParseOp(c.Param("op"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Unknown operation",
		})
		return
	}

	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.Abort(c, validation.ValidationErrors{{Field: "input", Message: "body must be {\"input\": {...}}"}})
		return
	}
	if req.Input == nil {
		validation.Abort(c, validation.ValidationErrors{{Field: "input", Message: "is required"}})
		return
	}
	if errs := req.Input.Validate(op); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	if !h.gate.Authorize(c, h.gate.RESTRequest(c)) {
		return
	}

	result, err := h.service.Run(c.Request.Context(), op, *req.Input)
	if err != nil {
		h.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": result})
}

func (h *Handler) writeError(c *gin.Context, op Op, err error) {
	e := Describe(err)
	if e.Status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("trust operation failed", "op", string(op), "error", err)
	}
	body := gin.H{"error": e.Code, "message": e.Message}
	if len(e.Fields) > 0 {
		body["fields"] = e.Fields
	}
	c.JSON(e.Status, body)
}
