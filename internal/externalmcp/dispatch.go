package externalmcp

import (
	"context"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

// MaxHops bounds chained passthrough dispatch: an external source that is
// itself MCPBox could loop forever without it.
const MaxHops = 3

// HopCountHeader names a hop-count header. No code in this module sends or
// reads it; the hop count lives only in the request context.
const HopCountHeader = "X-Mcpbox-Hop-Count"

type hopCountKey struct{}

// WithHopCount returns a context carrying the current passthrough hop
// count. The gateway always starts a call at 0.
func WithHopCount(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, hopCountKey{}, n)
}

func hopCountFrom(ctx context.Context) int {
	n, _ := ctx.Value(hopCountKey{}).(int)
	return n
}

// CallTool forwards one tools/call to the external source backing a
// passthrough tool, refusing beyond MaxHops. On a 401 the pooled session
// is re-initialized and the call retried once; a second 401 invalidates
// the session again and is returned as UpstreamUnavailable. The source's
// stored auth state is not changed.
func (p *Pool) CallTool(ctx context.Context, src *models.ExternalSource, externalToolName string, args map[string]any) (*gomcp.CallToolResult, error) {
	hops := hopCountFrom(ctx)
	if hops >= MaxHops {
		return nil, domainerr.New(domainerr.KindPrecondition, "passthrough hop limit (%d) exceeded for external source %q", MaxHops, src.Name)
	}
	ctx = WithHopCount(ctx, hops+1)

	result, err := p.callOnce(ctx, src, externalToolName, args)
	if err != nil && isUnauthorized(err) {
		p.Invalidate(src.ID)
		result, err = p.callOnce(ctx, src, externalToolName, args)
	}
	if err != nil {
		if isUnauthorized(err) {
			p.Invalidate(src.ID)
		}
		return nil, domainerr.Wrap(domainerr.KindUpstreamUnavailable, err, "call %q on external source %q", externalToolName, src.Name)
	}
	return result, nil
}

func (p *Pool) callOnce(ctx context.Context, src *models.ExternalSource, externalToolName string, args map[string]any) (*gomcp.CallToolResult, error) {
	sess, err := p.acquire(ctx, src)
	if err != nil {
		return nil, err
	}
	return sess.CallTool(ctx, &gomcp.CallToolParams{
		Name:      externalToolName,
		Arguments: args,
	})
}
