package externalmcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/internal/domainerr"
	"github.com/mcpbox/mcpbox/internal/models"
)

type fakeSecretStore struct {
	secrets map[string]*models.ServerSecret
}

func (f *fakeSecretStore) GetSecretCiphertext(_ context.Context, serverID, key string) (*models.ServerSecret, error) {
	sec, ok := f.secrets[serverID+":"+key]
	if !ok {
		return nil, domainerr.New(domainerr.KindNotFound, "secret %q not found", key)
	}
	return sec, nil
}

func newFakeSecretStore(t *testing.T, sealer Sealer, serverID, key, value string) *fakeSecretStore {
	t.Helper()
	cipher, iv, err := sealer.Seal([]byte(value), models.SecretAAD(serverID, key))
	require.NoError(t, err)
	return &fakeSecretStore{secrets: map[string]*models.ServerSecret{
		serverID + ":" + key: {ServerID: serverID, KeyName: key, Ciphertext: cipher, IV: iv, HasValue: true},
	}}
}

func TestAuthHeader_None_ReturnsNoHeader(t *testing.T) {
	r := NewDefaultResolver(&fakeSecretStore{secrets: map[string]*models.ServerSecret{}}, testSealer(t))
	name, value, err := r.AuthHeader(context.Background(), &models.ExternalSource{Auth: models.AuthNone})
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Empty(t, value)
}

func TestAuthHeader_Bearer_DecryptsAndPrefixes(t *testing.T) {
	sealer := testSealer(t)
	secrets := newFakeSecretStore(t, sealer, "srv-1", "API_TOKEN", "tok-abc123")
	r := NewDefaultResolver(secrets, sealer)

	name, value, err := r.AuthHeader(context.Background(), &models.ExternalSource{
		ServerID: "srv-1", Auth: models.AuthBearer, AuthSecretName: "API_TOKEN",
	})
	require.NoError(t, err)
	assert.Equal(t, "Authorization", name)
	assert.Equal(t, "Bearer tok-abc123", value)
}

func TestAuthHeader_Header_UsesConfiguredHeaderName(t *testing.T) {
	sealer := testSealer(t)
	secrets := newFakeSecretStore(t, sealer, "srv-1", "X_API_KEY", "raw-value")
	r := NewDefaultResolver(secrets, sealer)

	name, value, err := r.AuthHeader(context.Background(), &models.ExternalSource{
		ServerID: "srv-1", Auth: models.AuthHeader, AuthSecretName: "X_API_KEY", AuthHeaderName: "X-Api-Key",
	})
	require.NoError(t, err)
	assert.Equal(t, "X-Api-Key", name)
	assert.Equal(t, "raw-value", value)
}

func TestAuthHeader_Bearer_MissingSecret_PropagatesNotFound(t *testing.T) {
	sealer := testSealer(t)
	r := NewDefaultResolver(&fakeSecretStore{secrets: map[string]*models.ServerSecret{}}, sealer)

	_, _, err := r.AuthHeader(context.Background(), &models.ExternalSource{
		ServerID: "srv-1", Auth: models.AuthBearer, AuthSecretName: "MISSING",
	})
	require.Error(t, err)
	de, ok := domainerr.As(err)
	require.True(t, ok)
	assert.Equal(t, domainerr.KindNotFound, de.Kind)
}

func TestAuthHeader_OAuth_WithoutState_Errors(t *testing.T) {
	sealer := testSealer(t)
	r := NewDefaultResolver(&fakeSecretStore{secrets: map[string]*models.ServerSecret{}}, sealer)

	_, _, err := r.AuthHeader(context.Background(), &models.ExternalSource{Auth: models.AuthOAuth, Name: "corp-search"})
	require.Error(t, err)
	de, ok := domainerr.As(err)
	require.True(t, ok)
	assert.Equal(t, domainerr.KindPrecondition, de.Kind)
}

func TestAuthHeader_UnknownMode_Errors(t *testing.T) {
	sealer := testSealer(t)
	r := NewDefaultResolver(&fakeSecretStore{secrets: map[string]*models.ServerSecret{}}, sealer)

	_, _, err := r.AuthHeader(context.Background(), &models.ExternalSource{Auth: models.AuthMode("bogus"), Name: "corp-search"})
	require.Error(t, err)
	de, ok := domainerr.As(err)
	require.True(t, ok)
	assert.Equal(t, domainerr.KindValidation, de.Kind)
}
