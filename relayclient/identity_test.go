package relayclient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadIdentityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")

	id := identity{id: uuid.Must(uuid.NewV4()), secret: uuid.Must(uuid.NewV4())}
	require.NoError(t, saveIdentity(path, id))

	got, ok, err := loadIdentity(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestLoadIdentityMissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing")

	_, ok, err := loadIdentity(path)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadIdentityCorruptLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o600))

	_, _, err := loadIdentity(path)
	require.ErrorIs(t, err, ErrCorruptIdentity)
}

func TestDeleteIdentityAllowsSelfHealing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o600))

	require.NoError(t, deleteIdentity(path))

	_, ok, err := loadIdentity(path)
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an already-absent file is not an error either.
	require.NoError(t, deleteIdentity(path))
}
