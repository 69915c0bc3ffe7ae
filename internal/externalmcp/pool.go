// Package externalmcp implements the External MCP Client: an outbound
// session pool over external MCP sources, OAuth 2.1 discovery and PKCE, and
// passthrough dispatch with a hop-count guard against dispatch cycles.
//
// Sessions are pooled per external source id: at most one live session
// per source, re-used across invocations and re-initialized on 401 or
// after sitting idle past the pool's TTL.
package externalmcp

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

// SecretResolver decrypts the bearer/header credential or OAuth access
// token needed to authenticate to one External Source.
type SecretResolver interface {
	// AuthHeader returns the header name and value to attach to outbound
	// requests for this source, or ("", "", nil) if no header is needed.
	AuthHeader(ctx context.Context, src *models.ExternalSource) (name, value string, err error)
}

// pooledSession is one live connection to an External Source.
type pooledSession struct {
	session      *gomcp.ClientSession
	lastActivity time.Time
}

// Pool owns at most one live *gomcp.ClientSession per External Source id,
// re-initializing on 401 or after the configured idle timeout.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*pooledSession

	maxPerSource int
	idleTimeout  time.Duration
	secrets      SecretResolver
	logger       zerolog.Logger
}

// New constructs a Pool. The pool keeps at most one live session per
// source whatever maxPerSource is; the value is only recorded.
func New(maxPerSource int, idleTimeout time.Duration, secrets SecretResolver, logger zerolog.Logger) *Pool {
	if maxPerSource <= 0 {
		maxPerSource = 1
	}
	return &Pool{
		sessions:     make(map[string]*pooledSession),
		maxPerSource: maxPerSource,
		idleTimeout:  idleTimeout,
		secrets:      secrets,
		logger:       logger,
	}
}

// acquire returns a live session for src, connecting (or reconnecting, if
// idle past the timeout) as needed.
func (p *Pool) acquire(ctx context.Context, src *models.ExternalSource) (*gomcp.ClientSession, error) {
	p.mu.Lock()
	if ps, ok := p.sessions[src.ID]; ok {
		if time.Since(ps.lastActivity) < p.idleTimeout {
			ps.lastActivity = time.Now()
			sess := ps.session
			p.mu.Unlock()
			return sess, nil
		}
		// Idle past timeout: drop and reconnect below.
		delete(p.sessions, src.ID)
		_ = ps.session.Close()
	}
	p.mu.Unlock()

	sess, err := p.connect(ctx, src)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[src.ID] = &pooledSession{session: sess, lastActivity: time.Now()}
	p.mu.Unlock()
	return sess, nil
}

// Invalidate drops a source's pooled session, forcing reconnection on next
// use. Called after a 401 response.
func (p *Pool) Invalidate(sourceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.sessions[sourceID]; ok {
		_ = ps.session.Close()
		delete(p.sessions, sourceID)
	}
}

// CloseAll shuts down every pooled session, for process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ps := range p.sessions {
		_ = ps.session.Close()
		delete(p.sessions, id)
	}
}

func (p *Pool) connect(ctx context.Context, src *models.ExternalSource) (*gomcp.ClientSession, error) {
	client := gomcp.NewClient(&gomcp.Implementation{
		Name:    "mcpbox",
		Version: "1.0.0",
	}, nil)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if p.secrets != nil && src.Auth != models.AuthNone {
		name, value, err := p.secrets.AuthHeader(ctx, src)
		if err != nil {
			return nil, domainerr.Wrap(domainerr.KindUpstreamUnavailable, err, "resolve credential for external source %q", src.Name)
		}
		if name != "" {
			httpClient.Transport = &headerInjector{name: name, value: value, base: http.DefaultTransport}
		}
	}

	var transport gomcp.Transport
	switch src.Transport {
	case models.TransportSSE:
		transport = &gomcp.SSEClientTransport{Endpoint: src.URL, HTTPClient: httpClient}
	case models.TransportStreamableHTTP:
		transport = &gomcp.StreamableClientTransport{Endpoint: src.URL, HTTPClient: httpClient}
	default:
		return nil, domainerr.New(domainerr.KindValidation, "external source %q has unsupported transport %q", src.Name, src.Transport)
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, domainerr.Wrap(domainerr.KindUpstreamUnavailable, err, "connect to external source %q", src.Name)
	}
	return session, nil
}

// headerInjector attaches one static header to every outbound request, the
// mechanism used both for bearer/header auth and for propagating the
// hop-count guard header to downstream MCPBox-compatible sources.
type headerInjector struct {
	name  string
	value string
	base  http.RoundTripper
}

func (h *headerInjector) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(h.name, h.value)
	return h.base.RoundTrip(req)
}

// ListTools discovers the tools an External Source exposes, for the admin
// API's "discover tools" operation.
func (p *Pool) ListTools(ctx context.Context, src *models.ExternalSource) ([]*gomcp.Tool, error) {
	sess, err := p.acquire(ctx, src)
	if err != nil {
		return nil, err
	}
	result, err := sess.ListTools(ctx, nil)
	if err != nil {
		if isUnauthorized(err) {
			p.Invalidate(src.ID)
		}
		return nil, domainerr.Wrap(domainerr.KindUpstreamUnavailable, err, "list tools on external source %q", src.Name)
	}
	return result.Tools, nil
}

func isUnauthorized(err error) bool {
	// The SDK surfaces transport-level HTTP errors as plain errors; a 401
	// is detected by substring match on the status text it wraps rather
	// than by introducing a typed transport error.
	return err != nil && strings.Contains(err.Error(), "401")
}
