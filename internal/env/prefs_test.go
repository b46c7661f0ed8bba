package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPreferences_CreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "preferences.toml")

	p, err := OpenPreferences(path, "RingBridge")
	require.NoError(t, err)

	assert.Equal(t, prefsVersion, p.GetInt(KeyVersion))
	assert.Equal(t, "RingBridge", p.GetString(KeyDisplayName))
	assert.Equal(t, 220, p.GetInt(KeyMaxPlausibleRate))
	assert.Empty(t, p.GetString(KeyLastAddress))
	assert.NoError(t, p.Verify())
}

func TestPreferences_SetPersists(t *testing.T) {
	// GOAL: Verify Set writes through to disk so a fresh load sees the value

	path := filepath.Join(t.TempDir(), "preferences.toml")
	p, err := OpenPreferences(path, "RingBridge")
	require.NoError(t, err)

	require.NoError(t, p.Set(KeyLastAddress, "AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", p.GetString(KeyLastAddress))

	reloaded, err := OpenPreferences(path, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", reloaded.GetString(KeyLastAddress), "value MUST survive reload")
	assert.Equal(t, "RingBridge", reloaded.GetString(KeyDisplayName), "existing file MUST NOT be overwritten by defaults")
	assert.NoError(t, reloaded.Verify())
}

func TestPreferences_VerifyFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.toml")
	p, err := OpenPreferences(path, "RingBridge")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[prefs]\nversion = 7\n"), 0o600))
	assert.Error(t, p.Verify(), "unknown version MUST fail verification")

	require.NoError(t, os.Remove(path))
	assert.Error(t, p.Verify(), "missing file MUST fail verification")
}

func TestOpenPreferences_Invalid(t *testing.T) {
	_, err := OpenPreferences("", "x")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "preferences.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is = = not toml"), 0o600))
	_, err = OpenPreferences(path, "x")
	assert.Error(t, err, "malformed file MUST be rejected")
}
