package externalmcp

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

// protectedResourceMetadata is the RFC 9728 document served at
// /.well-known/oauth-protected-resource.
type protectedResourceMetadata struct {
	AuthorizationServers []string `json:"authorization_servers"`
}

// authServerMetadata is the subset of the RFC 8414 document OAuth needs.
type authServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// DiscoverProtectedResource fetches the RFC 9728 metadata document for an
// External Source's base URL and returns its advertised issuer.
func DiscoverProtectedResource(ctx context.Context, sourceURL string) (issuer string, err error) {
	meta, err := fetchJSON[protectedResourceMetadata](ctx, wellKnownURL(sourceURL, "oauth-protected-resource"))
	if err != nil {
		return "", domainerr.Wrap(domainerr.KindUpstreamUnavailable, err, "discover protected-resource metadata")
	}
	if len(meta.AuthorizationServers) == 0 {
		return "", domainerr.New(domainerr.KindUpstreamUnavailable, "protected-resource metadata names no authorization server")
	}
	return meta.AuthorizationServers[0], nil
}

// DiscoverAuthorizationServer fetches the RFC 8414 metadata document for
// issuer and returns an oauth2.Endpoint built from it.
func DiscoverAuthorizationServer(ctx context.Context, issuer string) (oauth2.Endpoint, error) {
	meta, err := fetchJSON[authServerMetadata](ctx, wellKnownURL(issuer, "oauth-authorization-server"))
	if err != nil {
		return oauth2.Endpoint{}, domainerr.Wrap(domainerr.KindUpstreamUnavailable, err, "discover authorization-server metadata")
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return oauth2.Endpoint{}, domainerr.New(domainerr.KindUpstreamUnavailable, "authorization-server metadata is missing required endpoints")
	}
	return oauth2.Endpoint{AuthURL: meta.AuthorizationEndpoint, TokenURL: meta.TokenEndpoint}, nil
}

func wellKnownURL(base, name string) string {
	base = strings.TrimSuffix(base, "/")
	return base + "/.well-known/" + name
}

func fetchJSON[T any](ctx context.Context, url string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OAuthFlow drives the PKCE authorization-code exchange and subsequent
// refreshes for one External Source, persisting encrypted artifacts via
// the Secret Store's AEAD primitives (AAD-bound per source and field).
type OAuthFlow struct {
	seal func(plaintext, aad []byte) (ciphertext, iv []byte, err error)
	open func(ciphertext, iv, aad []byte) (plaintext []byte, err error)
}

// Sealer abstracts the Secret Store's envelope-encryption primitives so
// this package doesn't import internal/secretstore directly, keeping the
// OAuth artifact encryption concern decoupled from its instantiation.
type Sealer interface {
	Seal(plaintext, aad []byte) (ciphertext, iv []byte, err error)
	Open(ciphertext, iv, aad []byte) (plaintext []byte, err error)
}

// NewOAuthFlow builds an OAuthFlow backed by sealer.
func NewOAuthFlow(sealer Sealer) *OAuthFlow {
	return &OAuthFlow{seal: sealer.Seal, open: sealer.Open}
}

// newCodeVerifier generates a cryptographically random PKCE code_verifier per
// RFC 7636 §4.1 (43-128 characters of the unreserved URL-safe alphabet).
func newCodeVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", domainerr.Wrap(domainerr.KindInternal, err, "generate code verifier")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// BeginAuthorization starts the PKCE flow: it generates and persists an
// encrypted code_verifier, then returns the authorization URL an admin's
// browser should be redirected to.
func (f *OAuthFlow) BeginAuthorization(ctx context.Context, src *models.ExternalSource, endpoint oauth2.Endpoint, redirectURL string) (authURL string, err error) {
	if src.OAuth == nil {
		return "", domainerr.New(domainerr.KindValidation, "external source %q has no OAuth configuration", src.Name)
	}

	verifier, err := newCodeVerifier()
	if err != nil {
		return "", err
	}
	cipher, iv, err := f.seal([]byte(verifier), models.CodeVerifierAAD(src.ID))
	if err != nil {
		return "", err
	}
	src.OAuth.CodeVerifierCipher, src.OAuth.CodeVerifierIV = cipher, iv

	conf := &oauth2.Config{
		ClientID:    src.OAuth.ClientID,
		Endpoint:    endpoint,
		RedirectURL: redirectURL,
	}
	state, err := newCodeVerifier() // any random opaque string serves as CSRF state
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// ExchangeCode completes the PKCE flow with the authorization code
// returned to the admin's browser's redirect handler, persisting the
// encrypted refresh token.
func (f *OAuthFlow) ExchangeCode(ctx context.Context, src *models.ExternalSource, endpoint oauth2.Endpoint, redirectURL, code string) (accessToken string, err error) {
	if src.OAuth == nil || src.OAuth.CodeVerifierCipher == nil {
		return "", domainerr.New(domainerr.KindPrecondition, "no authorization in progress for external source %q", src.Name)
	}
	verifierBytes, err := f.open(src.OAuth.CodeVerifierCipher, src.OAuth.CodeVerifierIV, models.CodeVerifierAAD(src.ID))
	if err != nil {
		return "", err
	}

	conf := &oauth2.Config{
		ClientID:    src.OAuth.ClientID,
		Endpoint:    endpoint,
		RedirectURL: redirectURL,
	}
	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(string(verifierBytes)))
	if err != nil {
		return "", domainerr.Wrap(domainerr.KindUpstreamUnavailable, err, "exchange authorization code")
	}

	if tok.RefreshToken != "" {
		cipher, iv, err := f.seal([]byte(tok.RefreshToken), models.RefreshTokenAAD(src.ID))
		if err != nil {
			return "", err
		}
		src.OAuth.RefreshTokenCipher, src.OAuth.RefreshTokenIV = cipher, iv
	}
	src.OAuth.Authenticated = true
	return tok.AccessToken, nil
}

// RefreshAccessToken exchanges the stored encrypted refresh token for a new
// access token, rotating the stored refresh token if the server issues a
// new one. On failure it marks the source unauthenticated so callers can
// surface "needs auth".
func (f *OAuthFlow) RefreshAccessToken(ctx context.Context, src *models.ExternalSource, endpoint oauth2.Endpoint) (accessToken string, err error) {
	if src.OAuth == nil || src.OAuth.RefreshTokenCipher == nil {
		return "", domainerr.New(domainerr.KindPrecondition, "external source %q has no stored refresh token", src.Name)
	}
	refreshBytes, err := f.open(src.OAuth.RefreshTokenCipher, src.OAuth.RefreshTokenIV, models.RefreshTokenAAD(src.ID))
	if err != nil {
		src.OAuth.Authenticated = false
		return "", err
	}

	conf := &oauth2.Config{ClientID: src.OAuth.ClientID, Endpoint: endpoint}
	tokenSource := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: string(refreshBytes)})
	tok, err := tokenSource.Token()
	if err != nil {
		src.OAuth.Authenticated = false
		return "", domainerr.Wrap(domainerr.KindUpstreamUnavailable, err, "refresh access token for external source %q: needs auth", src.Name)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != string(refreshBytes) {
		cipher, iv, sealErr := f.seal([]byte(tok.RefreshToken), models.RefreshTokenAAD(src.ID))
		if sealErr != nil {
			return "", sealErr
		}
		src.OAuth.RefreshTokenCipher, src.OAuth.RefreshTokenIV = cipher, iv
	}
	src.OAuth.Authenticated = true
	return tok.AccessToken, nil
}
