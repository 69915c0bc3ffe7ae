package executor

import (
	"context"
	"io"
	"net/http"
	"strings"

	"go.starlark.net/starlark"

	"github.com/mcpbox/mcpbox/internal/egress"
)

// capabilitySet builds the predeclared globals for one invocation: the
// arguments structure, the read-only secret view, and an SSRF-protected
// http module. Starlark defines none of eval/exec/open/setattr/delattr/
// __import__/compile/vars/locals/globals. It does define type, getattr
// and hasattr; those are refused by the validator's textual denylist,
// not at this layer.
func capabilitySet(inv Invocation) starlark.StringDict {
	secrets := starlark.NewDict(len(inv.Secrets))
	for k, v := range inv.Secrets {
		secrets.SetKey(starlark.String(k), starlark.String(v))
	}
	secrets.Freeze() // mutation attempts from guest code fail synchronously

	httpModule := &starlarkstruct{
		name: "http",
		methods: starlark.StringDict{
			"get":  starlark.NewBuiltin("http.get", makeHTTPBuiltin(inv.Egress, http.MethodGet)),
			"post": starlark.NewBuiltin("http.post", makeHTTPBuiltin(inv.Egress, http.MethodPost)),
		},
	}

	return starlark.StringDict{
		"secrets": secrets,
		"http":    httpModule,
	}
}

// makeHTTPBuiltin exposes one HTTP verb through the egress filter. All
// outbound traffic guest code issues, regardless of imported module, is
// required to flow through this single chokepoint.
func makeHTTPBuiltin(filter *egress.Filter, method string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var url, body string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url, "body?", &body); err != nil {
			return nil, err
		}
		if filter == nil {
			return nil, errNoEgress
		}

		ctx, _ := thread.Local("ctx").(context.Context)
		if ctx == nil {
			ctx = context.Background()
		}

		req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		resp, err := filter.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		result := starlark.NewDict(2)
		result.SetKey(starlark.String("status"), starlark.MakeInt(resp.StatusCode))
		result.SetKey(starlark.String("body"), starlark.String(data))
		return result, nil
	}
}

var errNoEgress = &noEgressError{}

type noEgressError struct{}

func (*noEgressError) Error() string { return "no egress filter configured for this invocation" }
