package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestGeneration(t *testing.T, dir, keyID string, withPrivate bool) {
	t.Helper()
	privPEM, pubPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	if !withPrivate {
		privPEM = nil
	}
	require.NoError(t, WriteGeneration(dir, keyID, pubPEM, privPEM))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeTestGeneration(t, dir, "key-2024-01", true)
	writeTestGeneration(t, dir, "key-2024-02", true)

	store, err := LoadDir(dir)
	require.NoError(t, err)

	// current symlink points at the last written generation
	active, err := store.Active()
	require.NoError(t, err)
	assert.Equal(t, "key-2024-02", active.KeyID)

	old, err := store.Resolve("key-2024-01")
	require.NoError(t, err)
	assert.Equal(t, StateRetired, old.State)
	assert.NotNil(t, old.Private)
}

func TestLoadDirPublicOnly(t *testing.T) {
	dir := t.TempDir()
	writeTestGeneration(t, dir, "key-a", false)

	store, err := LoadDir(dir)
	require.NoError(t, err)

	active, err := store.Active()
	require.NoError(t, err)
	assert.Nil(t, active.Private)
	assert.NotNil(t, active.Public)
}

func TestLoadDirWithoutCurrentLink(t *testing.T) {
	dir := t.TempDir()
	writeTestGeneration(t, dir, "key-a", false)
	require.NoError(t, os.Remove(filepath.Join(dir, "current")))

	store, err := LoadDir(dir)
	require.NoError(t, err)

	// No committed active entry: decryption-side loads still work, the live
	// service fails fast at startup instead of guessing a key.
	_, err = store.Active()
	assert.ErrorIs(t, err, ErrNoActiveKey)

	_, err = store.Resolve("key-a")
	assert.NoError(t, err)
}

func TestLoadDirEmpty(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	assert.Error(t, err)
}

func TestLoadPublicKeyFile(t *testing.T) {
	dir := t.TempDir()
	_, pubPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	path := filepath.Join(dir, "cloud.pub")
	require.NoError(t, os.WriteFile(path, pubPEM, 0o644))

	store, err := LoadPublicKeyFile(path, "cloud-backup-default")
	require.NoError(t, err)

	active, err := store.Active()
	require.NoError(t, err)
	assert.Equal(t, "cloud-backup-default", active.KeyID)
}

func TestParseKeyPairRoundTrip(t *testing.T) {
	privPEM, pubPEM, err := GenerateKeyPair()
	require.NoError(t, err)

	priv, err := ParsePrivateKey(privPEM)
	require.NoError(t, err)
	pub, err := ParsePublicKey(pubPEM)
	require.NoError(t, err)

	assert.Equal(t, priv.PublicKey.N, pub.N)
	assert.Equal(t, priv.PublicKey.E, pub.E)
}
