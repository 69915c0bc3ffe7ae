// Package egress implements the Egress Filter: an HTTP client wrapper
// that resolves, validates, and pins the destination address of every
// outbound request a guest tool issues, closing the SSRF surface of
// user-controlled URLs and DNS rebinding.
package egress

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mcpbox/mcpbox/internal/domainerr"
)

// ErrDenied is the root cause of every destination the filter refuses, so
// callers can classify a denial as a network failure without parsing
// messages.
var ErrDenied = errors.New("egress denied")

// ResponsePreview is recorded for the execution log.
type ResponsePreview struct {
	Method     string
	URL        string
	StatusCode int
	Duration   time.Duration
	BodyPreview []byte // first KiB of the response body
}

// HostAllower is consulted for the server-level allowlist).
// A Server in NetworkIsolated mode should pass an allower that always
// returns false (no egress at all); NetworkAllowlist mode passes
// Server.AllowsHost.
type HostAllower func(host string) bool

// Filter is a per-invocation SSRF-protected HTTP client.
type Filter struct {
	allower    HostAllower
	client     *http.Client
	onResponse func(ResponsePreview)

	maxFDs  int32 // 0 means unbounded
	openFDs int32 // atomic; live connection count opened by this Filter
}

// New creates a Filter. allower gates which hostnames may be contacted at
// all (server network_mode); onResponse, if non-nil, receives a preview of
// every completed response for execution-log observability.
func New(allower HostAllower, onResponse func(ResponsePreview)) *Filter {
	f := &Filter{allower: allower, onResponse: onResponse}
	f.client = &http.Client{
		// Redirects are never followed: a 3xx from an allowed host
		// could otherwise point the pinned connection anywhere.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			DialContext:     f.pinnedDial,
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
		Timeout: 30 * time.Second,
	}
	return f
}

// SetMaxFDs caps the number of concurrently open connections this Filter
// may hold; it is the accounting half of the executor's fd cap. A value
// of 0 means unbounded.
func (f *Filter) SetMaxFDs(n int) {
	atomic.StoreInt32(&f.maxFDs, int32(n))
}

// Do issues req through the filter: resolving, validating, and pinning
// the destination, then recording a response preview.
func (f *Filter) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	if f.allower != nil && !f.allower(host) {
		return nil, domainerr.Wrap(domainerr.KindSecurityViolation, ErrDenied, "host %q not in this server's allowed_hosts", host)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrDenied) {
			return nil, domainerr.Wrap(domainerr.KindSecurityViolation, err, "egress request to %s denied", req.URL.String())
		}
		return nil, err
	}

	if f.onResponse != nil {
		preview := make([]byte, 0, 1024)
		buf := make([]byte, 1024)
		n, _ := io.ReadFull(resp.Body, buf)
		preview = append(preview, buf[:n]...)
		resp.Body = &prefixedBody{prefix: preview, rest: resp.Body}

		f.onResponse(ResponsePreview{
			Method:      req.Method,
			URL:         req.URL.String(),
			StatusCode:  resp.StatusCode,
			Duration:    time.Since(start),
			BodyPreview: preview,
		})
	}

	return resp, nil
}

// pinnedDial resolves the hostname once, checks the returned addresses
// with IsPublicUnicast (which does not refuse other reserved ranges such
// as 0.0.0.0/8 or 240.0.0.0/4), then dials the first address that passes
// directly by IP — so a later DNS rebind of the
// same hostname cannot redirect the already-established connection.
func (f *Filter) pinnedDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindSecurityViolation, err, "could not resolve %s", host)
	}

	var chosen net.IPAddr
	found := false
	for _, ip := range ips {
		if IsPublicUnicast(ip.IP) {
			chosen = ip
			found = true
			break
		}
	}
	if !found {
		return nil, domainerr.Wrap(domainerr.KindSecurityViolation, ErrDenied, "%s resolves only to non-public addresses", host)
	}

	release, err := f.reserveFD()
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(chosen.IP.String(), port))
	if err != nil {
		release()
		return nil, err
	}
	if atomic.LoadInt32(&f.maxFDs) == 0 {
		return conn, nil
	}
	return &countedConn{Conn: conn, count: &f.openFDs}, nil
}

// reserveFD admits one more connection against maxFDs, returning a release
// func to call if the dial that follows never completes. A completed dial's
// countedConn releases the slot itself on Close instead.
func (f *Filter) reserveFD() (release func(), err error) {
	max := atomic.LoadInt32(&f.maxFDs)
	if max == 0 {
		return func() {}, nil
	}
	if n := atomic.AddInt32(&f.openFDs, 1); n > max {
		atomic.AddInt32(&f.openFDs, -1)
		return nil, domainerr.New(domainerr.KindPrecondition, "invocation exceeded its file descriptor cap (%d)", max)
	}
	return func() { atomic.AddInt32(&f.openFDs, -1) }, nil
}

// countedConn decrements its Filter's open-fd counter exactly once, on the
// first Close call, so a cap set via SetMaxFDs reflects truly-live
// connections rather than ones already torn down.
type countedConn struct {
	net.Conn
	count  *int32
	closed int32
}

func (c *countedConn) Close() error {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		atomic.AddInt32(c.count, -1)
	}
	return c.Conn.Close()
}

// IsPublicUnicast reports whether ip is safe for the executor's guest code
// to contact: not loopback, link-local (unicast or multicast), private
// (RFC 1918 / RFC 4193), multicast, unspecified, or an IPv4-mapped IPv6
// form of any of the above.
func IsPublicUnicast(ip net.IP) bool {
	ip = ip.To16()
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	switch {
	case ip.IsLoopback(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified(),
		ip.IsPrivate():
		return false
	}
	return true
}

type prefixedBody struct {
	prefix []byte
	off    int
	rest   io.ReadCloser
}

func (b *prefixedBody) Read(p []byte) (int, error) {
	if b.off < len(b.prefix) {
		n := copy(p, b.prefix[b.off:])
		b.off += n
		return n, nil
	}
	return b.rest.Read(p)
}

func (b *prefixedBody) Close() error { return b.rest.Close() }
