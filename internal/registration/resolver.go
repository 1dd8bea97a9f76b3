// Package registration resolves an agent's on-chain registration URI into
// its registration document.
package registration

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/trustgate/internal/erc8004"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/security"
	"github.com/mbd888/trustgate/internal/traces"
)

// MaxDocumentSize caps how much of a registration document is read.
const MaxDocumentSize = 1 << 20

// DefaultGateways are the public IPFS gateways tried, in order, for ipfs://
// URIs. Each is a prefix the content identifier is appended to.
var DefaultGateways = []string{
	"https://ipfs.io/ipfs/",
	"https://cloudflare-ipfs.com/ipfs/",
	"https://gateway.pinata.cloud/ipfs/",
	"https://dweb.link/ipfs/",
}

// DefaultFetchTimeout bounds a single candidate fetch.
const DefaultFetchTimeout = 10 * time.Second

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Kind classifies a resolution failure.
type Kind int

const (
	// KindNotFound means the document is absent or unreadable.
	KindNotFound Kind = iota + 1
	// KindUpstream means a registry or gateway failed to answer.
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Error is a classified resolution failure. Status is the last HTTP status
// observed (502 when no candidate answered).
type Error struct {
	Kind   Kind
	Status int
	URI    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registration: %s (status %d) for %q: %v", e.Kind, e.Status, e.URI, e.Err)
	}
	return fmt.Sprintf("registration: %s (status %d) for %q", e.Kind, e.Status, e.URI)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a KindNotFound resolution failure.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindNotFound
}

func notFound(uri string, err error) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, URI: uri, Err: err}
}

// -----------------------------------------------------------------------------
// Resolver
// -----------------------------------------------------------------------------

// URIReader returns an agent's registration URI from the identity registry.
type URIReader interface {
	TokenURI(ctx context.Context, id erc8004.AgentID) (string, error)
}

// Resolver turns registration URIs into documents. URLs taken from the
// registry are fetched through a client that refuses private addresses;
// the configured IPFS gateways are trusted and use a plain client.
type Resolver struct {
	httpClient    *http.Client // agent-supplied URLs
	gatewayClient *http.Client // operator-configured gateways
	gateways      []string
	timeout       time.Duration
	allowPrivate  bool
	logger        *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient sets the client used for every fetch.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		r.httpClient = c
		r.gatewayClient = c
	}
}

// WithPrivateTargets allows registration URIs that point at loopback or
// private addresses. Intended for local development and tests only.
func WithPrivateTargets(allow bool) Option {
	return func(r *Resolver) { r.allowPrivate = allow }
}

// WithGateways replaces the IPFS gateway list.
func WithGateways(gateways []string) Option {
	return func(r *Resolver) {
		if len(gateways) > 0 {
			r.gateways = append([]string(nil), gateways...)
		}
	}
}

// WithFetchTimeout sets the per-candidate fetch timeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		gateways: append([]string(nil), DefaultGateways...),
		timeout:  DefaultFetchTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.httpClient == nil {
		if r.allowPrivate {
			r.httpClient = &http.Client{}
		} else {
			r.httpClient = &http.Client{Transport: security.GuardedTransport(r.timeout)}
		}
	}
	if r.gatewayClient == nil {
		r.gatewayClient = &http.Client{}
	}
	return r
}

// Resolve reads the agent's registration URI and resolves it.
func (r *Resolver) Resolve(ctx context.Context, reader URIReader, id erc8004.AgentID) (string, *File, error) {
	uri, err := reader.TokenURI(ctx, id)
	if err != nil {
		if errors.Is(err, erc8004.ErrNotFound) {
			return "", nil, notFound("", err)
		}
		return "", nil, &Error{Kind: KindUpstream, Status: http.StatusBadGateway, Err: err}
	}
	file, err := r.ResolveURI(ctx, uri)
	return uri, file, err
}

// ResolveURI resolves a registration URI. Inline data: URIs are decoded
// without network access; ipfs:// URIs are tried across the configured
// gateways in order; anything else is fetched as-is.
func (r *Resolver) ResolveURI(ctx context.Context, uri string) (*File, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, notFound(uri, errors.New("agent has no registration URI"))
	}

	if strings.HasPrefix(strings.ToLower(uri), "data:") {
		data, err := decodeDataURI(uri)
		if err != nil {
			return nil, notFound(uri, err)
		}
		file, err := Parse(data)
		if err != nil {
			return nil, notFound(uri, err)
		}
		return file, nil
	}

	candidates, err := r.candidates(uri)
	if err != nil {
		return nil, notFound(uri, err)
	}

	ctx, span := traces.StartSpan(ctx, "registration.resolve", traces.URI(uri))
	file, err := r.fetchFirst(ctx, uri, candidates)
	traces.End(span, err)
	return file, err
}

// candidate is one URL to try. Literal URLs come from the registry and are
// vetted before they are fetched.
type candidate struct {
	url     string
	literal bool
}

// candidates expands a URI into the ordered list of URLs to try.
func (r *Resolver) candidates(uri string) ([]candidate, error) {
	if cid, ok := ipfsPath(uri); ok {
		out := make([]candidate, 0, len(r.gateways))
		for _, gw := range r.gateways {
			out = append(out, candidate{url: strings.TrimRight(gw, "/") + "/" + cid})
		}
		return out, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid registration URI: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported registration URI scheme %q", u.Scheme)
	}
	return []candidate{{url: uri, literal: true}}, nil
}

// ipfsPath extracts "<cid>[/path]" from ipfs://<cid>, ipfs://ipfs/<cid> and
// bare /ipfs/<cid> forms.
func ipfsPath(uri string) (string, bool) {
	var rest string
	switch {
	case strings.HasPrefix(uri, "ipfs://"):
		rest = strings.TrimPrefix(uri, "ipfs://")
		rest = strings.TrimPrefix(rest, "ipfs/")
	case strings.HasPrefix(uri, "/ipfs/"):
		rest = strings.TrimPrefix(uri, "/ipfs/")
	default:
		return "", false
	}
	rest = strings.Trim(rest, "/")
	return rest, rest != ""
}

// -----------------------------------------------------------------------------
// Candidate walk
// -----------------------------------------------------------------------------

// outcome is the typed result of one candidate attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeSkip            // try the next candidate
	outcomeAbort           // stop the walk
)

type attempt struct {
	outcome outcome
	status  int
	file    *File
	err     error
}

// fetchFirst tries candidates left to right. 404s, other non-2xx statuses,
// refused addresses, transport failures and unreadable bodies skip to the
// next candidate; the first success ends the walk. When every candidate
// fails, the last recorded attempt decides the classification: 404 or a
// refused address is not-found, anything else is upstream.
func (r *Resolver) fetchFirst(ctx context.Context, uri string, candidates []candidate) (*File, error) {
	var last attempt
	for _, c := range candidates {
		a := r.fetch(ctx, c)
		metrics.RegistrationFetchesTotal.WithLabelValues(a.label()).Inc()

		switch a.outcome {
		case outcomeSuccess:
			return a.file, nil
		case outcomeAbort:
			return nil, &Error{Kind: KindUpstream, Status: http.StatusBadGateway, URI: uri, Err: a.err}
		}

		r.logger.Debug("registration candidate failed",
			"candidate", c.url,
			"status", a.status,
			"error", a.err,
		)
		last = a
	}

	if last.status == http.StatusNotFound || last.refused() {
		return nil, notFound(uri, last.err)
	}
	return nil, &Error{Kind: KindUpstream, Status: http.StatusBadGateway, URI: uri, Err: last.err}
}

func (r *Resolver) fetch(ctx context.Context, c candidate) attempt {
	if ctx.Err() != nil {
		return attempt{outcome: outcomeAbort, err: ctx.Err()}
	}

	client := r.gatewayClient
	if c.literal {
		client = r.httpClient
		if !r.allowPrivate {
			if err := security.ValidateEndpointURL(c.url); err != nil {
				return attempt{outcome: outcomeSkip, status: http.StatusForbidden, err: err}
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return attempt{outcome: outcomeSkip, status: http.StatusBadGateway, err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// A canceled caller ends the walk; a timed-out candidate does not.
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
			return attempt{outcome: outcomeAbort, err: err}
		}
		if errors.Is(err, security.ErrBlockedAddress) {
			return attempt{outcome: outcomeSkip, status: http.StatusForbidden, err: err}
		}
		return attempt{outcome: outcomeSkip, status: http.StatusBadGateway, err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxDocumentSize))
		return attempt{
			outcome: outcomeSkip,
			status:  resp.StatusCode,
			err:     fmt.Errorf("%s returned %d", c.url, resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentSize))
	if err != nil {
		return attempt{outcome: outcomeSkip, status: http.StatusBadGateway, err: err}
	}
	file, err := Parse(body)
	if err != nil {
		// Served but unreadable: treated as absent.
		return attempt{outcome: outcomeSkip, status: http.StatusNotFound, err: fmt.Errorf("malformed document: %w", err)}
	}
	return attempt{outcome: outcomeSuccess, status: resp.StatusCode, file: file}
}

// refused reports whether the candidate was never contacted because its
// address is blocked.
func (a attempt) refused() bool {
	return errors.Is(a.err, security.ErrBlockedAddress)
}

func (a attempt) label() string {
	switch {
	case a.outcome == outcomeSuccess:
		return "success"
	case a.outcome == outcomeAbort:
		return "aborted"
	case a.refused():
		return "refused"
	case a.status == http.StatusNotFound:
		return "not_found"
	default:
		return "failed"
	}
}

// -----------------------------------------------------------------------------
// data: URIs
// -----------------------------------------------------------------------------

// decodeDataURI decodes an RFC 2397 data URI payload, base64 or
// percent-encoded.
func decodeDataURI(uri string) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, errors.New("data URI has no payload")
	}
	meta := strings.ToLower(uri[len("data:"):comma])
	payload := uri[comma+1:]

	if strings.HasSuffix(meta, ";base64") {
		if data, err := base64.StdEncoding.DecodeString(payload); err == nil {
			return data, nil
		}
		data, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
		return data, nil
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid percent-encoded payload: %w", err)
	}
	return []byte(decoded), nil
}
