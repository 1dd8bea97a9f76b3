package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrBlockedAddress is returned when an outbound target names or resolves to
// an address the gateway refuses to contact.
var ErrBlockedAddress = errors.New("blocked address")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks that an agent-declared URL is safe for
// server-side requests. It rejects non-http(s) schemes, known internal
// hostnames and private, loopback, link-local or unspecified IP literals.
// Refused hosts and addresses wrap ErrBlockedAddress.
// Hostnames are not resolved here; the dialer from GuardedTransport checks
// the address actually connected to.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: URL host %q is not allowed", ErrBlockedAddress, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	return nil
}

// GuardedTransport returns an http.Transport whose dialer refuses blocked
// addresses after DNS resolution, which also covers rebinding tricks.
func GuardedTransport(dialTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout: dialTimeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("%w: unparseable %q", ErrBlockedAddress, host)
			}
			return checkIP(ip)
		},
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	t.Proxy = nil
	return t
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback addresses are not allowed", ErrBlockedAddress)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private addresses are not allowed", ErrBlockedAddress)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local addresses are not allowed", ErrBlockedAddress)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified addresses are not allowed", ErrBlockedAddress)
	}
	return nil
}
