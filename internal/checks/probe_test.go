package checks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPProber_Classification(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	p := NewHTTPProber(WithPrivateTargets(true))

	res := p.Probe(context.Background(), ok.URL)
	assert.Equal(t, ProbeReachable, res.Status)
	assert.Equal(t, http.StatusNoContent, res.HTTPStatus)

	res = p.Probe(context.Background(), broken.URL)
	assert.Equal(t, ProbeUnreachable, res.Status)
	assert.Equal(t, http.StatusServiceUnavailable, res.HTTPStatus)

	res = p.Probe(context.Background(), deadURL)
	assert.Equal(t, ProbeUnreachable, res.Status)
	assert.Zero(t, res.HTTPStatus)

	res = p.Probe(context.Background(), "://bad")
	assert.Equal(t, ProbeError, res.Status)
}

func TestHTTPProber_TimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	p := NewHTTPProber(WithPrivateTargets(true), WithProbeTimeout(100*time.Millisecond))

	start := time.Now()
	res := p.Probe(context.Background(), slow.URL)

	assert.Equal(t, ProbeUnreachable, res.Status)
	assert.Contains(t, res.Detail, "no response within")
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPProber_RefusesPrivateTargets(t *testing.T) {
	hit := false
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer local.Close()

	p := NewHTTPProber()
	res := p.Probe(context.Background(), local.URL)

	assert.Equal(t, ProbeError, res.Status)
	assert.False(t, hit)

	res = p.Probe(context.Background(), "gopher://agent.example")
	assert.Equal(t, ProbeError, res.Status)
}

func TestHTTPProber_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewHTTPProber(WithPrivateTargets(true))
	res := p.Probe(ctx, "http://203.0.113.1/")
	assert.Equal(t, ProbeUnreachable, res.Status)
}
