package externalmcp

import (
	"context"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

// SecretStore is the subset of internal/store.SecretStore the resolver
// needs to fetch a ciphertext credential for bearer/header auth.
type SecretStore interface {
	GetSecretCiphertext(ctx context.Context, serverID, key string) (*models.ServerSecret, error)
}

// DefaultResolver implements SecretResolver for all four AuthMode values,
// decrypting stored bearer/header credentials via the Secret Store's AAD
// binding, and minting OAuth access tokens on demand via OAuthFlow.
type DefaultResolver struct {
	secrets SecretStore
	sealer  Sealer
	oauth   *OAuthFlow
}

// NewDefaultResolver constructs a DefaultResolver.
func NewDefaultResolver(secrets SecretStore, sealer Sealer) *DefaultResolver {
	return &DefaultResolver{secrets: secrets, sealer: sealer, oauth: NewOAuthFlow(sealer)}
}

// AuthHeader implements SecretResolver.
func (r *DefaultResolver) AuthHeader(ctx context.Context, src *models.ExternalSource) (name, value string, err error) {
	switch src.Auth {
	case models.AuthNone:
		return "", "", nil

	case models.AuthBearer:
		token, err := r.decryptSecret(ctx, src)
		if err != nil {
			return "", "", err
		}
		return "Authorization", "Bearer " + token, nil

	case models.AuthHeader:
		value, err := r.decryptSecret(ctx, src)
		if err != nil {
			return "", "", err
		}
		return src.AuthHeaderName, value, nil

	case models.AuthOAuth:
		if src.OAuth == nil {
			return "", "", domainerr.New(domainerr.KindPrecondition, "external source %q has no OAuth state", src.Name)
		}
		endpoint, err := DiscoverAuthorizationServer(ctx, src.OAuth.Issuer)
		if err != nil {
			return "", "", err
		}
		token, err := r.oauth.RefreshAccessToken(ctx, src, endpoint)
		if err != nil {
			return "", "", err
		}
		return "Authorization", "Bearer " + token, nil

	default:
		return "", "", domainerr.New(domainerr.KindValidation, "external source %q has unknown auth mode %q", src.Name, src.Auth)
	}
}

func (r *DefaultResolver) decryptSecret(ctx context.Context, src *models.ExternalSource) (string, error) {
	sec, err := r.secrets.GetSecretCiphertext(ctx, src.ServerID, src.AuthSecretName)
	if err != nil {
		return "", err
	}
	plaintext, err := r.sealer.Open(sec.Ciphertext, sec.IV, models.SecretAAD(src.ServerID, src.AuthSecretName))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
