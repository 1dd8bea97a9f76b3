package registration

import (
	"encoding/json"
	"errors"
	"strings"
)

// Endpoint is one service endpoint an agent advertises.
type Endpoint struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Version  string `json:"version,omitempty"`
}

// File is an agent registration document.
type File struct {
	Type           string            `json:"type,omitempty"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Image          string            `json:"image,omitempty"`
	Endpoints      []Endpoint        `json:"endpoints"`
	SupportedTrust []string          `json:"supportedTrust"`
	Active         bool              `json:"active"`
	Registrations  []json.RawMessage `json:"registrations"`
}

var errNotObject = errors.New("registration document must be a JSON object")

// Parse decodes a registration document. A missing "active" field means
// the agent is active. Absent lists decode as empty lists so a parsed File
// is always complete.
func Parse(data []byte) (*File, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, errNotObject
	}

	var doc struct {
		File
		Active *bool `json:"active"`
	}
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, err
	}

	f := doc.File
	f.Active = doc.Active == nil || *doc.Active
	if f.Endpoints == nil {
		f.Endpoints = []Endpoint{}
	}
	if f.SupportedTrust == nil {
		f.SupportedTrust = []string{}
	}
	if f.Registrations == nil {
		f.Registrations = []json.RawMessage{}
	}
	return &f, nil
}

// HasEndpoints reports whether the agent declares at least one endpoint.
func (f *File) HasEndpoints() bool {
	return len(f.Endpoints) > 0
}

// HasSupportedTrust reports whether the agent declares any trust method.
func (f *File) HasSupportedTrust() bool {
	return len(f.SupportedTrust) > 0
}
