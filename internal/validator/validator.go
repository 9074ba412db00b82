// Package validator checks configured endpoints before the service starts.
package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrHTTPSRequired    = errors.New("HTTPS is required")
	ErrPrivateIP        = errors.New("private IP addresses are not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidCalDAV    = errors.New("invalid CalDAV endpoint")
)

const (
	checkTimeout = 10 * time.Second
	redirectCap  = 3

	// calendarAccess is the DAV compliance class a CalDAV server advertises.
	calendarAccess = "calendar-access"
)

// Validator checks calendar server and webhook URLs. Its requests refuse to
// dial internal addresses unless told otherwise.
type Validator struct {
	client      *http.Client
	allowLocal  bool
	dialTimeout time.Duration
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs lets requests reach loopback and LAN addresses, for a
// self-hosted CalDAV server on the local network.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowLocal = true
	}
}

// New returns a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{dialTimeout: checkTimeout}
	for _, opt := range opts {
		opt(v)
	}

	dialer := &net.Dialer{
		Timeout:   v.dialTimeout,
		KeepAlive: 30 * time.Second,
		Control:   v.checkDialAddress,
	}

	v.client = &http.Client{
		Timeout: checkTimeout,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			DialContext:         dialer.DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        4,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: checkTimeout,
		},
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= redirectCap {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
	return v
}

// checkDialAddress runs after name resolution, so it sees the address that
// will actually be connected to, including after a redirect.
func (v *Validator) checkDialAddress(_, address string, _ syscall.RawConn) error {
	if v.allowLocal {
		return nil
	}
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	if isInternal(addrPort.Addr()) {
		return ErrPrivateIP
	}
	return nil
}

// isInternal reports addresses that never belong to a public calendar
// service.
func isInternal(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}

// ValidateURL checks that rawURL is an absolute http(s) URL. With
// requireHTTPS set, plain http is refused.
func (v *Validator) ValidateURL(rawURL string, requireHTTPS bool) error {
	if strings.TrimSpace(rawURL) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	case u.Host == "":
		return fmt.Errorf("%w: no host", ErrInvalidURL)
	case requireHTTPS && u.Scheme == "http":
		return ErrHTTPSRequired
	}
	return nil
}

// ValidateCalDAVEndpoint sends OPTIONS to the server root and requires the
// calendar-access class in the DAV response header.
func (v *Validator) ValidateCalDAVEndpoint(ctx context.Context, endpointURL string) error {
	if err := v.ValidateURL(endpointURL, true); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCalDAV, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, endpointURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCalDAV, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: OPTIONS %s returned %d", ErrInvalidCalDAV, endpointURL, resp.StatusCode)
	}
	if !hasDAVClass(resp.Header.Values("DAV"), calendarAccess) {
		return fmt.Errorf("%w: server does not advertise %s", ErrInvalidCalDAV, calendarAccess)
	}
	return nil
}

// hasDAVClass looks for class in the comma-separated DAV header values.
func hasDAVClass(values []string, class string) bool {
	for _, v := range values {
		for _, c := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(c), class) {
				return true
			}
		}
	}
	return false
}
