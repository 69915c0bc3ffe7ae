package externalmcp

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

// TestCallTool_RefusesBeyondHopLimit covers the dispatch-cycle guard: a
// passthrough chain through nested MCPBox-compatible sources must not
// loop forever.
func TestCallTool_RefusesBeyondHopLimit(t *testing.T) {
	p := New(1, 0, nil, zerolog.Nop())
	src := &models.ExternalSource{ID: "ext-1", Name: "looped", Transport: models.TransportStreamableHTTP}

	ctx := WithHopCount(context.Background(), MaxHops)
	_, err := p.CallTool(ctx, src, "search", nil)
	require.Error(t, err)
	de, ok := domainerr.As(err)
	require.True(t, ok)
	assert.Equal(t, domainerr.KindPrecondition, de.Kind)
}

func TestWithHopCount_IncrementsAcrossCalls(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, 0, hopCountFrom(ctx))

	ctx = WithHopCount(ctx, 1)
	assert.Equal(t, 1, hopCountFrom(ctx))

	ctx = WithHopCount(ctx, hopCountFrom(ctx)+1)
	assert.Equal(t, 2, hopCountFrom(ctx))
}

func TestIsUnauthorized(t *testing.T) {
	assert.True(t, isUnauthorized(errors.New("unexpected HTTP status 401 Unauthorized")))
	assert.False(t, isUnauthorized(errors.New("connection refused")))
	assert.False(t, isUnauthorized(nil))
}
