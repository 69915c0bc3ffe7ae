// Package gateway implements the MCP Gateway: the Streamable-HTTP
// JSON-RPC 2.0 endpoint that exposes every running, approved, enabled tool
// across all servers to MCP clients, plus the Change Notifier, folded
// in as the same mechanism that drives the SDK's own tools/list_changed.
//
// The SDK's server owns the wire protocol (Mcp-Session-Id, SSE framing);
// this package owns which tools are exposed and where calls go.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/executor"
	"github.com/mcpbox/mcpbox/internal/externalmcp"
	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/registry"
	"github.com/mcpbox/mcpbox/internal/sandboxclient"
	"github.com/mcpbox/mcpbox/internal/telemetry"
)

// NamingMode controls how MCP tool descriptors are named.
type NamingMode int

const (
	// NamingLocal exposes the tool's raw name.
	NamingLocal NamingMode = iota
	// NamingQualified exposes "mcpbox_{server}_{tool}".
	NamingQualified
)

// ServerStatusLookup reports whether a server is currently running, and its
// access policy, so tools/list can apply the running+approved+enabled filter.
type ServerStatusLookup interface {
	IsRunning(serverID string) bool
	AccessPolicy(serverID string) AccessPolicy
}

// AccessPolicy is the server-level access policy consulted in remote-access
// mode: "everyone", an enumerated set of emails, or a domain suffix.
type AccessPolicy struct {
	Everyone      bool
	AllowedEmails map[string]bool
	DomainSuffix  string
}

// Allows reports whether email may call this server's tools.
func (p AccessPolicy) Allows(email string) bool {
	if p.Everyone {
		return true
	}
	if p.AllowedEmails[email] {
		return true
	}
	if p.DomainSuffix != "" && len(email) > len(p.DomainSuffix) &&
		email[len(email)-len(p.DomainSuffix):] == p.DomainSuffix {
		return true
	}
	return false
}

// ExternalSourceLookup resolves the External MCP Source backing a
// mcp_passthrough tool, so callTool can forward it without the Gateway
// needing the full store interface.
type ExternalSourceLookup interface {
	GetExternalSource(ctx context.Context, id string) (*models.ExternalSource, error)
}

// ExecutionLogger persists one execution log row per invocation. The
// Gateway uses this only for passthrough calls: native calls never reach
// this package's log sink because the sandbox service persists them
// itself, being the component that actually holds the secret view needed
// to redact args before they are written.
type ExecutionLogger interface {
	CreateExecutionLog(ctx context.Context, l *models.ExecutionLog) error
}

// Gateway owns the single shared *mcp.Server and the session bookkeeping
// idle-GC requires.
type Gateway struct {
	server     *mcp.Server
	registry   *registry.Registry
	client     *sandboxclient.Client
	pool       *externalmcp.Pool
	sources    ExternalSourceLookup
	logs       ExecutionLogger
	status     ServerStatusLookup
	naming     NamingMode
	remoteMode bool
	sessionTTL time.Duration
	logger     zerolog.Logger

	mu       sync.Mutex
	sessions map[*mcp.ServerSession]*sessionState
	exposed  map[string]registry.Artifact // mcp tool name -> artifact, for RemoveTools diffing and authorization lookups
}

type sessionState struct {
	createdAt    time.Time
	lastActivity time.Time
	userEmail    string
}

// New constructs the Gateway and wires its required middleware. pool,
// sources, and logs may be nil (e.g. in tests, or a deployment with no
// passthrough sources configured): passthrough calls then fail with
// UpstreamUnavailable instead of panicking.
func New(reg *registry.Registry, client *sandboxclient.Client, pool *externalmcp.Pool, sources ExternalSourceLookup, logs ExecutionLogger, status ServerStatusLookup, naming NamingMode, remoteMode bool, sessionTTL time.Duration, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		registry:   reg,
		client:     client,
		pool:       pool,
		sources:    sources,
		logs:       logs,
		status:     status,
		naming:     naming,
		remoteMode: remoteMode,
		sessionTTL: sessionTTL,
		logger:     logger,
		sessions:   make(map[*mcp.ServerSession]*sessionState),
		exposed:    make(map[string]registry.Artifact),
	}

	g.server = mcp.NewServer(&mcp.Implementation{
		Name:    "mcpbox",
		Version: "1.0.0",
	}, &mcp.ServerOptions{
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: true},
		},
	})

	g.server.AddReceivingMiddleware(g.sessionTrackingMiddleware)
	if g.remoteMode {
		g.server.AddReceivingMiddleware(g.authorizationMiddleware)
	}

	return g
}

// Handler returns the net/http handler for POST/GET /mcp.
func (g *Gateway) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &mcp.StreamableHTTPOptions{})
}

// toolName builds the MCP-visible descriptor name for one artifact. The
// naming mode is fixed at process configuration.
func (g *Gateway) toolName(a registry.Artifact) string {
	if g.naming == NamingQualified {
		return fmt.Sprintf("mcpbox_%s_%s", a.ServerID, a.ToolName)
	}
	return a.ToolName
}

// Reload recomputes the exposed tool set from the registry, filtered to
// running servers, and reconciles it against the live *mcp.Server via
// AddTool/RemoveTools, which causes the SDK to emit tools/list_changed to
// every subscribed session on its own. That emission is the whole of the
// change-notification mechanism.
func (g *Gateway) Reload(approved func(serverID, toolName string) bool) {
	byServer := g.registry.ListByServer()

	desired := make(map[string]registry.Artifact)
	for serverID, tools := range byServer {
		if g.status != nil && !g.status.IsRunning(serverID) {
			continue
		}
		for _, t := range tools {
			if approved != nil && !approved(serverID, t.ToolName) {
				continue
			}
			desired[g.toolName(t)] = t
		}
	}

	g.mu.Lock()
	toRemove := make([]string, 0)
	for name := range g.exposed {
		if _, ok := desired[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}
	g.mu.Unlock()

	if len(toRemove) > 0 {
		g.server.RemoveTools(toRemove...)
		g.logger.Debug().Strs("tools", toRemove).Msg("gateway: revoked tools")
	}

	for name, artifact := range desired {
		g.addOrReplaceTool(name, artifact)
	}
	g.logger.Debug().Int("exposed", len(desired)).Msg("gateway: reloaded tool set")

	g.mu.Lock()
	g.exposed = desired
	g.mu.Unlock()
}

// lookupExposed resolves a gateway-visible tool name back to its artifact,
// for authorization checks that need the originating server id regardless
// of naming mode.
func (g *Gateway) lookupExposed(name string) (registry.Artifact, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.exposed[name]
	return a, ok
}

func (g *Gateway) addOrReplaceTool(name string, artifact registry.Artifact) {
	schema := artifact.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        name,
		Description: artifact.Description,
		InputSchema: schema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		return g.callTool(ctx, req, artifact, args)
	})
}

// callTool dispatches a mcp_passthrough tool to the external client and
// everything else to the sandbox service, enforcing the server-running
// precondition again at call time.
func (g *Gateway) callTool(ctx context.Context, req *mcp.CallToolRequest, artifact registry.Artifact, args map[string]any) (*mcp.CallToolResult, any, error) {
	ctx, span := telemetry.Tracer("gateway").Start(ctx, "tools.call")
	span.SetAttributes(attribute.String("server_id", artifact.ServerID), attribute.String("tool", artifact.ToolName))
	defer span.End()

	if g.status != nil && !g.status.IsRunning(artifact.ServerID) {
		return nil, nil, domainerr.New(domainerr.KindPrecondition, "server %q is not running", artifact.ServerID)
	}

	actor := g.emailFor(sessionOf(req))
	if actor == "" {
		actor = "mcp"
	}

	if artifact.Passthrough != nil {
		return g.callPassthrough(ctx, artifact, args, actor)
	}

	result, err := g.client.Execute(ctx, sandboxclient.ExecuteRequest{
		ServerID: artifact.ServerID,
		ToolName: artifact.ToolName,
		Args:     args,
		Actor:    actor,
	})
	if err != nil {
		return nil, nil, err
	}
	if result.ErrorKind != "" {
		return nil, nil, domainerr.New(domainerr.KindInternal, "%s: %s", result.ErrorKind, result.Message)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%v", result.Result)}},
	}, result.Result, nil
}

// callPassthrough forwards a mcp_passthrough tool's invocation to its
// backing External MCP Source via the pooled external client, starting the
// in-process hop count at 0. The count is not sent to the external source,
// so it does not bound a chain that passes through another MCPBox instance.
func (g *Gateway) callPassthrough(ctx context.Context, artifact registry.Artifact, args map[string]any, actor string) (*mcp.CallToolResult, any, error) {
	if g.pool == nil || g.sources == nil {
		return nil, nil, domainerr.New(domainerr.KindUpstreamUnavailable, "external MCP passthrough is not configured")
	}

	src, err := g.sources.GetExternalSource(ctx, artifact.Passthrough.ExternalSourceID)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	result, callErr := g.pool.CallTool(externalmcp.WithHopCount(ctx, 0), src, artifact.Passthrough.ExternalToolName, args)
	g.logPassthrough(ctx, artifact, args, result, time.Since(start), actor, callErr)

	if callErr != nil {
		return nil, nil, callErr
	}
	var value any
	if len(result.Content) > 0 {
		if tc, ok := result.Content[0].(*mcp.TextContent); ok {
			value = tc.Text
		}
	}
	return result, value, nil
}

// logPassthrough persists the Execution Log row for one passthrough call.
// Unlike native calls (logged by the sandbox service, which holds the server's secret
// view), passthrough calls never reach the sandbox service, so the Gateway logs them
// itself; passthrough args carry no local secrets to redact since
// credentials for the external source never flow through this path.
func (g *Gateway) logPassthrough(ctx context.Context, artifact registry.Artifact, args map[string]any, result *mcp.CallToolResult, duration time.Duration, actor string, callErr error) {
	if g.logs == nil {
		return
	}

	var resultText string
	if result != nil {
		for _, c := range result.Content {
			if tc, ok := c.(*mcp.TextContent); ok {
				resultText += tc.Text
			}
		}
	}

	entry := &models.ExecutionLog{
		ID:         uuid.NewString(),
		ServerID:   artifact.ServerID,
		ToolName:   artifact.ToolName,
		Args:       args,
		Result:     executor.Truncate(resultText),
		Success:    callErr == nil,
		Actor:      actor,
		DurationMs: duration.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	if callErr != nil {
		entry.Stderr = executor.Truncate(callErr.Error())
	}

	if err := g.logs.CreateExecutionLog(ctx, entry); err != nil {
		g.logger.Warn().Err(err).Str("server_id", artifact.ServerID).Str("tool", artifact.ToolName).Msg("persist execution log")
	}
}

// IdleSessions returns sessions whose last activity exceeds the configured
// TTL, for the background GC sweep.
func (g *Gateway) IdleSessions(now time.Time) []*mcp.ServerSession {
	g.mu.Lock()
	defer g.mu.Unlock()

	var idle []*mcp.ServerSession
	for sess, state := range g.sessions {
		if now.Sub(state.lastActivity) > g.sessionTTL {
			idle = append(idle, sess)
		}
	}
	return idle
}

// EvictSession drops the bookkeeping entry for sess. The underlying
// transport session is closed by the SDK itself when its own idle timeout
// fires; this only clears MCPBox-side state.
func (g *Gateway) EvictSession(sess *mcp.ServerSession) {
	g.mu.Lock()
	delete(g.sessions, sess)
	g.mu.Unlock()
}

// Sessions snapshots current gateway sessions for the admin API's
// read-only session listing.
func (g *Gateway) Sessions() []models.GatewaySession {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]models.GatewaySession, 0, len(g.sessions))
	for _, st := range g.sessions {
		out = append(out, models.GatewaySession{
			LastActivity: st.lastActivity,
			UserEmail:    st.userEmail,
			Initialized:  true,
		})
	}
	return out
}
