// Package temporalclient builds the Temporal client options shared by
// cmd/gateway (starting and signalling approval workflows) and
// cmd/worker (hosting them), layering MCPBox's own configuration on top
// of the SDK's envconfig loader so operators can still use the standard
// TEMPORAL_* variables and config.toml files.
package temporalclient

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/contrib/envconfig"
)

// Options resolves client options from envconfig (TEMPORAL_ADDRESS,
// TEMPORAL_NAMESPACE, TLS material, config.toml), then applies MCPBox's
// own MCPBOX_TEMPORAL_HOST_PORT override on top. An empty hostPort leaves
// whatever envconfig resolved in place.
func Options(hostPort string) (client.Options, error) {
	opts, err := envconfig.LoadClientOptions(envconfig.LoadClientOptionsRequest{})
	if err != nil {
		return client.Options{}, err
	}
	if hostPort != "" {
		opts.HostPort = hostPort
	}
	return opts, nil
}
