package registration

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/erc8004"
	"github.com/mbd888/trustgate/internal/security"
)

const sampleDoc = `{
	"type": "https://eips.ethereum.org/EIPS/eip-8004#registration-v1",
	"name": "Translator",
	"description": "Translates documents between forty languages with glossary support.",
	"endpoints": [{"name": "A2A", "endpoint": "https://agent.example/a2a", "version": "0.3.0"}],
	"supportedTrust": ["reputation"]
}`

// --- Test helpers ---

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// noNetwork fails the test if any request is issued.
func noNetwork(t *testing.T) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Errorf("unexpected network request to %s", r.URL)
		return nil, errors.New("network disabled")
	})}
}

// gateway serves status for every request and counts hits.
func gateway(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func deadURL(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.NotFoundHandler())
	u := ts.URL
	ts.Close()
	return u
}

type stubReader struct {
	uri string
	err error
}

func (s stubReader) TokenURI(context.Context, erc8004.AgentID) (string, error) {
	return s.uri, s.err
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, kind, re.Kind)
	return re
}

// --- Parse ---

func TestParse_Defaults(t *testing.T) {
	f, err := Parse([]byte(`{"name":"x"}`))
	require.NoError(t, err)

	assert.True(t, f.Active)
	assert.NotNil(t, f.Endpoints)
	assert.NotNil(t, f.SupportedTrust)
	assert.NotNil(t, f.Registrations)
}

func TestParse_ExplicitInactive(t *testing.T) {
	f, err := Parse([]byte(`{"name":"x","active":false}`))
	require.NoError(t, err)
	assert.False(t, f.Active)
}

func TestParse_RejectsNonObjects(t *testing.T) {
	for _, in := range []string{`[]`, `"x"`, `42`, `null`, `{"name":`} {
		_, err := Parse([]byte(in))
		assert.Error(t, err, in)
	}
}

// --- data: URIs ---

func TestResolveURI_DataURIBase64(t *testing.T) {
	r := NewResolver(WithHTTPClient(noNetwork(t)))
	uri := "data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte(sampleDoc))

	f, err := r.ResolveURI(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, "Translator", f.Name)
	assert.Equal(t, []string{"reputation"}, f.SupportedTrust)
	assert.True(t, f.Active)
}

func TestResolveURI_DataURIPercentEncoded(t *testing.T) {
	r := NewResolver(WithHTTPClient(noNetwork(t)))
	uri := "data:application/json," + url.PathEscape(`{"name":"Inline","active":false}`)

	f, err := r.ResolveURI(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, "Inline", f.Name)
	assert.False(t, f.Active)
}

func TestResolveURI_DataURIMalformedIsNotFound(t *testing.T) {
	r := NewResolver(WithHTTPClient(noNetwork(t)))

	for _, uri := range []string{
		"data:application/json;base64,!!!not-base64!!!",
		"data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte("not json")),
		"data:application/json",
	} {
		_, err := r.ResolveURI(context.Background(), uri)
		re := requireKind(t, err, KindNotFound)
		assert.Equal(t, http.StatusNotFound, re.Status)
	}
}

// --- Gateway fallback ---

func TestResolveURI_IPFSSkipsNotFoundGateway(t *testing.T) {
	a, hitsA := gateway(t, http.StatusNotFound, "not found")
	b, hitsB := gateway(t, http.StatusOK, sampleDoc)
	c, hitsC := gateway(t, http.StatusOK, sampleDoc)

	var paths []string
	r := NewResolver(WithGateways([]string{a.URL + "/ipfs/", b.URL + "/ipfs/", c.URL + "/ipfs/"}))
	r.gatewayClient.Transport = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		paths = append(paths, req.URL.Path)
		return http.DefaultTransport.RoundTrip(req)
	})

	f, err := r.ResolveURI(context.Background(), "ipfs://bafkreiexample")
	require.NoError(t, err)

	assert.Equal(t, "Translator", f.Name)
	assert.Equal(t, int32(1), hitsA.Load())
	assert.Equal(t, int32(1), hitsB.Load())
	assert.Equal(t, int32(0), hitsC.Load(), "resolution must stop at the first success")
	assert.Equal(t, []string{"/ipfs/bafkreiexample", "/ipfs/bafkreiexample"}, paths)
}

func TestResolveURI_ClassifiesByLastStatus(t *testing.T) {
	notFoundGW, _ := gateway(t, http.StatusNotFound, "")
	brokenGW, _ := gateway(t, http.StatusInternalServerError, "")
	malformedGW, _ := gateway(t, http.StatusOK, "<html>gateway error</html>")
	dead := deadURL(t)

	tests := []struct {
		name     string
		gateways []string
		want     Kind
	}{
		{"all 404", []string{notFoundGW.URL, notFoundGW.URL, notFoundGW.URL}, KindNotFound},
		{"404 then 500", []string{notFoundGW.URL, brokenGW.URL}, KindUpstream},
		{"500 then 404", []string{brokenGW.URL, notFoundGW.URL}, KindNotFound},
		{"404 then unreachable", []string{notFoundGW.URL, dead}, KindUpstream},
		{"unreachable then 404", []string{dead, notFoundGW.URL}, KindNotFound},
		{"malformed document", []string{malformedGW.URL}, KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(WithGateways(tt.gateways))
			_, err := r.ResolveURI(context.Background(), "ipfs://ipfs/bafy/registration.json")
			re := requireKind(t, err, tt.want)
			if tt.want == KindUpstream {
				assert.Equal(t, http.StatusBadGateway, re.Status)
			}
		})
	}
}

func TestResolveURI_HTTPSLiteral(t *testing.T) {
	ts, hits := gateway(t, http.StatusOK, sampleDoc)
	r := NewResolver(WithPrivateTargets(true))

	f, err := r.ResolveURI(context.Background(), ts.URL+"/agent.json")
	require.NoError(t, err)
	assert.Equal(t, "Translator", f.Name)
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolveURI_LiteralRefusesPrivateTargets(t *testing.T) {
	ts, hits := gateway(t, http.StatusOK, `{"name":"internal"}`)
	r := NewResolver()

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)

	for _, uri := range []string{
		ts.URL + "/latest/meta-data",
		"http://localhost:" + u.Port() + "/agent.json",
		"http://169.254.169.254/latest/meta-data",
	} {
		t.Run(uri, func(t *testing.T) {
			f, err := r.ResolveURI(context.Background(), uri)
			assert.Nil(t, f)
			re := requireKind(t, err, KindNotFound)
			assert.ErrorIs(t, re, security.ErrBlockedAddress)
		})
	}
	assert.Equal(t, int32(0), hits.Load())
}

func TestResolveURI_LiteralRefusedAtDial(t *testing.T) {
	ts, hits := gateway(t, http.StatusOK, `{"name":"internal"}`)
	// URL vetting is off; the guarded dialer still refuses the address.
	r := NewResolver(
		WithPrivateTargets(true),
		WithHTTPClient(&http.Client{Transport: security.GuardedTransport(time.Second)}),
	)

	_, err := r.ResolveURI(context.Background(), ts.URL+"/agent.json")
	re := requireKind(t, err, KindNotFound)
	assert.ErrorIs(t, re, security.ErrBlockedAddress)
	assert.Equal(t, int32(0), hits.Load())
}

func TestResolveURI_UnsupportedScheme(t *testing.T) {
	r := NewResolver(WithHTTPClient(noNetwork(t)))

	_, err := r.ResolveURI(context.Background(), "ftp://example.com/agent.json")
	requireKind(t, err, KindNotFound)

	_, err = r.ResolveURI(context.Background(), "")
	requireKind(t, err, KindNotFound)
}

func TestResolveURI_CanceledContextAborts(t *testing.T) {
	a, hitsA := gateway(t, http.StatusOK, sampleDoc)
	r := NewResolver(WithGateways([]string{a.URL}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ResolveURI(ctx, "ipfs://bafy")
	requireKind(t, err, KindUpstream)
	assert.Equal(t, int32(0), hitsA.Load())
}

// --- Resolve ---

func TestResolve_RegistryErrors(t *testing.T) {
	r := NewResolver(WithHTTPClient(noNetwork(t)))

	_, _, err := r.Resolve(context.Background(), stubReader{err: erc8004.ErrNotFound}, 1)
	assert.True(t, IsNotFound(err))

	_, _, err = r.Resolve(context.Background(), stubReader{err: erc8004.ErrUpstream}, 1)
	requireKind(t, err, KindUpstream)
	assert.False(t, IsNotFound(err))
}

func TestResolve_ReturnsURI(t *testing.T) {
	r := NewResolver(WithHTTPClient(noNetwork(t)))
	uri := "data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte(sampleDoc))

	gotURI, f, err := r.Resolve(context.Background(), stubReader{uri: uri}, 3)
	require.NoError(t, err)
	assert.Equal(t, uri, gotURI)
	assert.Equal(t, "Translator", f.Name)
}

func TestIPFSPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"ipfs://bafy", "bafy", true},
		{"ipfs://ipfs/bafy/agent.json", "bafy/agent.json", true},
		{"/ipfs/Qm123", "Qm123", true},
		{"ipfs://", "", false},
		{"https://ipfs.io/ipfs/bafy", "", false},
	}
	for _, tt := range tests {
		got, ok := ipfsPath(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
