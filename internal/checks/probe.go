package checks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/security"
	"github.com/mbd888/trustgate/internal/traces"
)

// DefaultProbeTimeout bounds each endpoint probe.
const DefaultProbeTimeout = 5 * time.Second

// ProbeResult is the outcome of one liveness probe.
type ProbeResult struct {
	Status     ProbeStatus
	HTTPStatus int
	Latency    time.Duration
	Detail     string
}

// Prober checks whether an endpoint answers. Implementations must return
// within the deadline carried by ctx.
type Prober interface {
	Probe(ctx context.Context, url string) ProbeResult
}

// HTTPProber issues a GET against the endpoint and classifies the response.
type HTTPProber struct {
	client       *http.Client
	timeout      time.Duration
	allowPrivate bool
}

// ProberOption configures an HTTPProber.
type ProberOption func(*HTTPProber)

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *HTTPProber) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPrivateTargets allows probing loopback and private addresses.
// Intended for local development and tests only.
func WithPrivateTargets(allow bool) ProberOption {
	return func(p *HTTPProber) { p.allowPrivate = allow }
}

// WithProbeClient replaces the HTTP client.
func WithProbeClient(c *http.Client) ProberOption {
	return func(p *HTTPProber) { p.client = c }
}

// NewHTTPProber creates a prober. Unless private targets are allowed the
// client dials through security.GuardedTransport.
func NewHTTPProber(opts ...ProberOption) *HTTPProber {
	p := &HTTPProber{timeout: DefaultProbeTimeout}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		if p.allowPrivate {
			p.client = &http.Client{}
		} else {
			p.client = &http.Client{Transport: security.GuardedTransport(p.timeout)}
		}
	}
	return p
}

// Timeout returns the per-probe timeout.
func (p *HTTPProber) Timeout() time.Duration {
	return p.timeout
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, url string) (res ProbeResult) {
	ctx, span := traces.StartSpan(ctx, "checks.Probe", traces.Endpoint(url))
	start := time.Now()
	defer func() {
		res.Latency = time.Since(start)
		metrics.EndpointProbesTotal.WithLabelValues(string(res.Status)).Inc()
		metrics.EndpointProbeDuration.Observe(res.Latency.Seconds())
		var err error
		if res.Status != ProbeReachable {
			err = errors.New(res.Detail)
		}
		traces.End(span, err)
	}()

	if !p.allowPrivate {
		if err := security.ValidateEndpointURL(url); err != nil {
			return ProbeResult{Status: ProbeError, Detail: err.Error()}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{Status: ProbeError, Detail: "invalid endpoint URL"}
	}
	req.Header.Set("User-Agent", "trustgate-probe/1")

	resp, err := p.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, security.ErrBlockedAddress):
			return ProbeResult{Status: ProbeError, Detail: "endpoint resolves to a blocked address"}
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return ProbeResult{Status: ProbeUnreachable, Detail: fmt.Sprintf("no response within %s", p.timeout)}
		default:
			return ProbeResult{Status: ProbeUnreachable, Detail: "no response"}
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeResult{
			Status:     ProbeUnreachable,
			HTTPStatus: resp.StatusCode,
			Detail:     fmt.Sprintf("HTTP %d", resp.StatusCode),
		}
	}
	return ProbeResult{Status: ProbeReachable, HTTPStatus: resp.StatusCode}
}
