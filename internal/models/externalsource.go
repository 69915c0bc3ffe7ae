package models

import "time"

// Transport is the wire transport an External MCP Source speaks.
type Transport string

const (
	TransportStreamableHTTP Transport = "streamable_http"
	TransportSSE            Transport = "sse"
)

// AuthMode is how the gateway authenticates to an External MCP Source.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBearer AuthMode = "bearer"
	AuthHeader AuthMode = "header"
	AuthOAuth  AuthMode = "oauth"
)

// ExternalSource is a remote MCP endpoint a server can pull passthrough
// tools from.
type ExternalSource struct {
	ID               string
	ServerID         string
	Name             string
	URL              string
	Transport        Transport
	Auth             AuthMode
	AuthSecretName   string
	AuthHeaderName   string
	OAuth            *OAuthState
	LastDiscoveredAt *time.Time
	ToolCount        int
	Status           string
}

// OAuthState holds the OAuth 2.1 artifacts for an ExternalSource with
// Auth == AuthOAuth. RefreshToken and CodeVerifier are stored encrypted
// at rest (see internal/secretstore) and are never exposed on read.
type OAuthState struct {
	Issuer             string
	ClientID           string
	RefreshTokenCipher []byte
	RefreshTokenIV     []byte
	CodeVerifierCipher []byte
	CodeVerifierIV     []byte
	Authenticated      bool
}

// RefreshTokenAAD and CodeVerifierAAD bind each OAuth artifact's ciphertext
// to exactly one external source slot, mirroring SecretAAD.
func RefreshTokenAAD(sourceID string) []byte {
	return []byte("external_source_oauth:" + sourceID + ":refresh_token")
}

func CodeVerifierAAD(sourceID string) []byte {
	return []byte("external_source_oauth:" + sourceID + ":code_verifier")
}
