package externalmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mcpbox/mcpbox/internal/models"
	"github.com/mcpbox/mcpbox/internal/secretstore"
)

func testSealer(t *testing.T) Sealer {
	t.Helper()
	s, err := secretstore.New(bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)
	return s
}

func TestDiscoverProtectedResource_ParsesIssuer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.well-known/oauth-protected-resource", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"authorization_servers": []string{"https://auth.example.com"},
		})
	}))
	defer srv.Close()

	issuer, err := DiscoverProtectedResource(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", issuer)
}

func TestDiscoverProtectedResource_NoAuthorizationServers_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"authorization_servers": []string{}})
	}))
	defer srv.Close()

	_, err := DiscoverProtectedResource(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestDiscoverAuthorizationServer_ParsesEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authServerMetadata{
			Issuer:                "https://auth.example.com",
			AuthorizationEndpoint: "https://auth.example.com/authorize",
			TokenEndpoint:         "https://auth.example.com/token",
		})
	}))
	defer srv.Close()

	endpoint, err := DiscoverAuthorizationServer(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/authorize", endpoint.AuthURL)
	assert.Equal(t, "https://auth.example.com/token", endpoint.TokenURL)
}

func TestDiscoverAuthorizationServer_MissingEndpoints_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authServerMetadata{Issuer: "https://auth.example.com"})
	}))
	defer srv.Close()

	_, err := DiscoverAuthorizationServer(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestBeginAuthorization_PersistsVerifierAndReturnsAuthURL(t *testing.T) {
	flow := NewOAuthFlow(testSealer(t))
	src := &models.ExternalSource{ID: "ext-1", Name: "corp-search", OAuth: &models.OAuthState{ClientID: "client-123"}}
	endpoint := oauth2.Endpoint{AuthURL: "https://auth.example.com/authorize", TokenURL: "https://auth.example.com/token"}

	authURL, err := flow.BeginAuthorization(context.Background(), src, endpoint, "https://mcpbox.internal/callback")
	require.NoError(t, err)
	assert.NotNil(t, src.OAuth.CodeVerifierCipher)
	assert.NotNil(t, src.OAuth.CodeVerifierIV)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "client-123", parsed.Query().Get("client_id"))
	assert.NotEmpty(t, parsed.Query().Get("code_challenge"))
}

func TestBeginAuthorization_RequiresOAuthState(t *testing.T) {
	flow := NewOAuthFlow(testSealer(t))
	src := &models.ExternalSource{ID: "ext-1", Name: "corp-search"}
	_, err := flow.BeginAuthorization(context.Background(), src, oauth2.Endpoint{}, "https://mcpbox.internal/callback")
	require.Error(t, err)
}

func tokenServer(t *testing.T, accessToken, refreshToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
}

func TestExchangeCode_PersistsRefreshTokenAndMarksAuthenticated(t *testing.T) {
	tokSrv := tokenServer(t, "access-tok-1", "refresh-tok-1")
	defer tokSrv.Close()

	flow := NewOAuthFlow(testSealer(t))
	src := &models.ExternalSource{ID: "ext-1", Name: "corp-search", OAuth: &models.OAuthState{ClientID: "client-123"}}
	endpoint := oauth2.Endpoint{AuthURL: tokSrv.URL + "/authorize", TokenURL: tokSrv.URL + "/token"}

	_, err := flow.BeginAuthorization(context.Background(), src, endpoint, "https://mcpbox.internal/callback")
	require.NoError(t, err)

	accessToken, err := flow.ExchangeCode(context.Background(), src, endpoint, "https://mcpbox.internal/callback", "some-code")
	require.NoError(t, err)
	assert.Equal(t, "access-tok-1", accessToken)
	assert.True(t, src.OAuth.Authenticated)
	assert.NotNil(t, src.OAuth.RefreshTokenCipher)
}

func TestExchangeCode_WithoutPriorBeginAuthorization_Errors(t *testing.T) {
	flow := NewOAuthFlow(testSealer(t))
	src := &models.ExternalSource{ID: "ext-1", Name: "corp-search", OAuth: &models.OAuthState{ClientID: "client-123"}}
	_, err := flow.ExchangeCode(context.Background(), src, oauth2.Endpoint{}, "https://mcpbox.internal/callback", "code")
	require.Error(t, err)
}

func TestRefreshAccessToken_RotatesStoredRefreshToken(t *testing.T) {
	tokSrv := tokenServer(t, "access-tok-2", "refresh-tok-2")
	defer tokSrv.Close()

	sealer := testSealer(t)
	flow := NewOAuthFlow(sealer)
	src := &models.ExternalSource{ID: "ext-1", Name: "corp-search", OAuth: &models.OAuthState{ClientID: "client-123"}}

	cipher, iv, err := sealer.Seal([]byte("refresh-tok-1"), models.RefreshTokenAAD(src.ID))
	require.NoError(t, err)
	src.OAuth.RefreshTokenCipher, src.OAuth.RefreshTokenIV = cipher, iv

	endpoint := oauth2.Endpoint{TokenURL: tokSrv.URL + "/token"}
	accessToken, err := flow.RefreshAccessToken(context.Background(), src, endpoint)
	require.NoError(t, err)
	assert.Equal(t, "access-tok-2", accessToken)
	assert.True(t, src.OAuth.Authenticated)

	rotated, err := sealer.Open(src.OAuth.RefreshTokenCipher, src.OAuth.RefreshTokenIV, models.RefreshTokenAAD(src.ID))
	require.NoError(t, err)
	assert.Equal(t, "refresh-tok-2", string(rotated))
}

func TestRefreshAccessToken_NoStoredToken_Errors(t *testing.T) {
	flow := NewOAuthFlow(testSealer(t))
	src := &models.ExternalSource{ID: "ext-1", Name: "corp-search", OAuth: &models.OAuthState{ClientID: "client-123"}}
	_, err := flow.RefreshAccessToken(context.Background(), src, oauth2.Endpoint{})
	require.Error(t, err)
}

func TestRefreshAccessToken_ServerFailure_MarksUnauthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sealer := testSealer(t)
	flow := NewOAuthFlow(sealer)
	src := &models.ExternalSource{ID: "ext-1", Name: "corp-search", OAuth: &models.OAuthState{ClientID: "client-123", Authenticated: true}}
	cipher, iv, err := sealer.Seal([]byte("refresh-tok-1"), models.RefreshTokenAAD(src.ID))
	require.NoError(t, err)
	src.OAuth.RefreshTokenCipher, src.OAuth.RefreshTokenIV = cipher, iv

	_, err = flow.RefreshAccessToken(context.Background(), src, oauth2.Endpoint{TokenURL: srv.URL})
	require.Error(t, err)
	assert.False(t, src.OAuth.Authenticated)
}
