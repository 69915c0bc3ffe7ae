package modulepolicy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSeed_EmptyPathIsNoSeed(t *testing.T) {
	seed, err := LoadSeed("")
	require.NoError(t, err)
	assert.Nil(t, seed)
}

func TestLoadSeed_ParsesModuleList(t *testing.T) {
	path := writeSeed(t, "modules:\n  - requests\n  - dateutil\n")
	seed, err := LoadSeed(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"requests", "dateutil"}, seed)

	m := NewManager(seed)
	assert.True(t, m.IsAllowed("requests"))
	assert.True(t, m.IsAllowed("dateutil"))
}

func TestLoadSeed_RefusesPermanentlyForbiddenEntry(t *testing.T) {
	path := writeSeed(t, "modules:\n  - requests\n  - os\n")
	_, err := LoadSeed(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "os")
}

func TestLoadSeed_MissingFileErrors(t *testing.T) {
	_, err := LoadSeed(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
