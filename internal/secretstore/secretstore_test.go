package secretstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")[:KeySize]
}

func TestSealOpen_RoundTrip(t *testing.T) {
	s, err := New(testKey())
	require.NoError(t, err)

	ciphertext, iv, err := s.Seal([]byte("super-secret-value"), []byte("server_secret:srv-1:API_KEY"))
	require.NoError(t, err)

	plaintext, err := s.Open(ciphertext, iv, []byte("server_secret:srv-1:API_KEY"))
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value", string(plaintext))
}

func TestOpen_FailsOnAADMismatch(t *testing.T) {
	s, err := New(testKey())
	require.NoError(t, err)

	ciphertext, iv, err := s.Seal([]byte("super-secret-value"), []byte("server_secret:srv-1:API_KEY"))
	require.NoError(t, err)

	_, err = s.Open(ciphertext, iv, []byte("server_secret:srv-2:API_KEY"))
	assert.Error(t, err)
}

func TestNew_RejectsWrongKeySize(t *testing.T) {
	_, err := New([]byte("too-short"))
	assert.Error(t, err)
}
