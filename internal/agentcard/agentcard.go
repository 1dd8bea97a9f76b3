// Package agentcard serves the gateway's discovery document: an A2A agent
// card merged with a per-operation manifest of input schemas and prices.
package agentcard

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/invopop/jsonschema"

	"github.com/mbd888/trustgate/internal/paywall"
	"github.com/mbd888/trustgate/internal/trust"
)

const (
	ProtocolVersion = "0.3.0"
	// rpcPath is where the envelope transport is mounted.
	rpcPath = "/a2a"
)

// Skill is one capability in the conversational manifest.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// Capabilities advertises optional protocol features.
type Capabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// Pricing is the price of one invocation in USDC.
type Pricing struct {
	Invoke string `json:"invoke"`
}

// Entrypoint describes one operation's envelope endpoint.
type Entrypoint struct {
	URL         string             `json:"url"`
	Method      string             `json:"method"`
	Description string             `json:"description"`
	Streaming   bool               `json:"streaming"`
	InputSchema *jsonschema.Schema `json:"input_schema"`
	Pricing     *Pricing           `json:"pricing,omitempty"`
}

// Card is the discovery document.
type Card struct {
	ProtocolVersion    string                `json:"protocolVersion"`
	Name               string                `json:"name"`
	Description        string                `json:"description"`
	URL                string                `json:"url"`
	PreferredTransport string                `json:"preferredTransport"`
	Version            string                `json:"version"`
	Capabilities       Capabilities          `json:"capabilities"`
	DefaultInputModes  []string              `json:"defaultInputModes"`
	DefaultOutputModes []string              `json:"defaultOutputModes"`
	Skills             []Skill               `json:"skills"`
	TrustModels        []string              `json:"trustModels,omitempty"`
	Entrypoints        map[string]Entrypoint `json:"entrypoints"`
}

// Config names the agent and where it is published.
type Config struct {
	Name        string
	Description string
	Version     string
	// PublicBaseURL is the externally visible origin. When empty the origin
	// of each request is used.
	PublicBaseURL string
}

// Handler builds and serves the card. Schemas and prices are computed once.
type Handler struct {
	cfg     Config
	skills  []Skill
	schemas map[trust.Op]*jsonschema.Schema
	prices  map[trust.Op]string
}

// NewHandler creates a card handler. prices is nil when payments are
// disabled, which drops pricing from the manifest.
func NewHandler(cfg Config, prices *paywall.PriceTable) *Handler {
	h := &Handler{
		cfg:     cfg,
		skills:  skills(),
		schemas: make(map[trust.Op]*jsonschema.Schema, len(trust.Ops)),
	}
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	for _, op := range trust.Ops {
		h.schemas[op] = r.Reflect(op.InputSchema())
	}
	if prices != nil {
		h.prices = make(map[trust.Op]string, len(trust.Ops))
		for _, op := range trust.Ops {
			h.prices[op] = prices.PriceFor(op.InvokePath())
		}
	}
	return h
}

// RegisterRoutes mounts the card at its well-known paths and the bare
// entrypoint manifest on the agent group.
func (h *Handler) RegisterRoutes(root gin.IRoutes, agent *gin.RouterGroup) {
	root.GET("/.well-known/agent-card.json", h.ServeCard)
	root.GET("/.well-known/agent.json", h.ServeCard)
	agent.GET("/entrypoints", h.ServeEntrypoints)
}

// ServeCard handles GET /.well-known/agent-card.json
func (h *Handler) ServeCard(c *gin.Context) {
	c.JSON(http.StatusOK, h.Card(h.baseURL(c.Request)))
}

// ServeEntrypoints handles GET /agent/entrypoints
func (h *Handler) ServeEntrypoints(c *gin.Context) {
	card := h.Card(h.baseURL(c.Request))
	c.JSON(http.StatusOK, gin.H{"entrypoints": card.Entrypoints})
}

// Card assembles the document for an origin such as "https://trust.example".
func (h *Handler) Card(origin string) *Card {
	card := &Card{
		ProtocolVersion:    ProtocolVersion,
		Name:               h.cfg.Name,
		Description:        h.cfg.Description,
		URL:                strings.TrimRight(origin, "/") + rpcPath,
		PreferredTransport: "JSONRPC",
		Version:            h.cfg.Version,
		Capabilities:       Capabilities{Streaming: true, StateTransitionHistory: true},
		DefaultInputModes:  []string{"text/plain", "application/json"},
		DefaultOutputModes: []string{"application/json"},
		Skills:             h.skills,
		TrustModels:        []string{"reputation"},
	}
	card.Entrypoints = h.entrypoints(card.URL)
	return card
}

// entrypoints derives operation URLs from the card URL so both manifests
// agree on one base.
func (h *Handler) entrypoints(cardURL string) map[string]Entrypoint {
	base := strings.TrimSuffix(cardURL, rpcPath)
	out := make(map[string]Entrypoint, len(trust.Ops))
	for _, op := range trust.Ops {
		ep := Entrypoint{
			URL:         base + op.InvokePath(),
			Method:      http.MethodPost,
			Description: op.Description(),
			InputSchema: h.schemas[op],
		}
		if price, ok := h.prices[op]; ok {
			ep.Pricing = &Pricing{Invoke: price}
		}
		out[string(op)] = ep
	}
	return out
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.cfg.PublicBaseURL != "" {
		return h.cfg.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func skills() []Skill {
	modes := []string{"text/plain", "application/json"}
	return []Skill{
		{
			ID:          string(trust.OpProfile),
			Name:        "Agent profile",
			Description: trust.OpProfile.Description(),
			Tags:        []string{"erc-8004", "identity"},
			Examples:    []string{"Show the profile of agent 42 on base"},
			InputModes:  modes,
			OutputModes: []string{"application/json"},
		},
		{
			ID:          string(trust.OpScore),
			Name:        "Trust score",
			Description: trust.OpScore.Description(),
			Tags:        []string{"erc-8004", "reputation"},
			Examples:    []string{"What is the trust score of agent 42?"},
			InputModes:  modes,
			OutputModes: []string{"application/json"},
		},
		{
			ID:          string(trust.OpValidate),
			Name:        "Agent validation",
			Description: trust.OpValidate.Description(),
			Tags:        []string{"erc-8004", "validation"},
			Examples:    []string{"Validate the wallet and endpoints of agent 42 on base-sepolia"},
			InputModes:  modes,
			OutputModes: []string{"application/json"},
		},
	}
}
