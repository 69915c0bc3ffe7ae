package gateway

import (
	"context"
	"reflect"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbox/mcpbox/internal/domainerr"
)

// sessionOf extracts the *mcp.ServerSession carried by every concrete
// mcp.Request implementation's Session field. The SDK's request structs
// (CallToolRequest, ListToolsRequest, InitializeRequest, ...) each embed
// this field directly rather than through a shared accessor method, so a
// single reflective lookup here replaces one type switch per request kind
// and stays correct as the SDK adds request types.
func sessionOf(req mcp.Request) *mcp.ServerSession {
	v := reflect.ValueOf(req)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.Struct {
		return nil
	}
	field := v.FieldByName("Session")
	if !field.IsValid() {
		return nil
	}
	sess, _ := field.Interface().(*mcp.ServerSession)
	return sess
}

// sessionTrackingMiddleware stamps every inbound method call's session with
// a last-activity timestamp, the bookkeeping the idle-GC sweep in
// IdleSessions reads.
//
// The map is keyed by *mcp.ServerSession rather than a session-id string;
// the SDK does not expose a stable string ID for a live session.
func (g *Gateway) sessionTrackingMiddleware(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		sess := sessionOf(req)
		if sess != nil {
			g.mu.Lock()
			st, ok := g.sessions[sess]
			if !ok {
				st = &sessionState{createdAt: time.Now()}
				g.sessions[sess] = st
			}
			st.lastActivity = time.Now()
			g.mu.Unlock()
		}
		return next(ctx, method, req)
	}
}

// authorizationMiddleware enforces method-level authorization in
// remote-access mode: every method other than initialize and
// notifications/* requires a verified caller email, established by the
// fronting proxy and cached on the session. tools/call additionally
// checks the email against the target server's AccessPolicy. Enforced
// here as defense-in-depth even though the proxy should already have
// refused unauthenticated callers.
func (g *Gateway) authorizationMiddleware(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		if method == "initialize" || strings.HasPrefix(method, "notifications/") {
			return next(ctx, method, req)
		}

		email := g.emailFor(sessionOf(req))
		if email == "" {
			return nil, domainerr.New(domainerr.KindAuthZ, "remote access requires a verified caller identity")
		}

		if method != "tools/call" {
			return next(ctx, method, req)
		}

		call, ok := req.(*mcp.CallToolRequest)
		if !ok {
			return next(ctx, method, req)
		}

		artifact, ok := g.lookupExposed(call.Params.Name)
		if !ok {
			return next(ctx, method, req) // unknown tool: let the normal handler produce NotFound
		}

		policy := g.status.AccessPolicy(artifact.ServerID)
		if !policy.Allows(email) {
			return nil, domainerr.New(domainerr.KindAuthZ, "caller %q is not authorized for server %q", email, artifact.ServerID)
		}

		return next(ctx, method, req)
	}
}

func (g *Gateway) emailFor(sess *mcp.ServerSession) string {
	if sess == nil {
		return ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.sessions[sess]; ok {
		return st.userEmail
	}
	return ""
}

// BindIdentity records the verified caller email for a session. No code in
// this module calls it.
func (g *Gateway) BindIdentity(sess *mcp.ServerSession, email string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.sessions[sess]; ok {
		st.userEmail = email
	}
}
