package relayserver

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identities.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRegisterThenVerifySucceeds(t *testing.T) {
	store := openTestStore(t)

	id, secret, err := store.Register()
	require.NoError(t, err)

	require.NoError(t, store.Verify(id, secret))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	store := openTestStore(t)

	id, _, err := store.Register()
	require.NoError(t, err)

	var wrongSecret ClientSecret
	err = store.Verify(id, wrongSecret)
	require.ErrorIs(t, err, ErrInvalidSecret)
}

func TestVerifyRejectsUnknownID(t *testing.T) {
	store := openTestStore(t)

	var unknownID ClientID
	var secret ClientSecret
	err := store.Verify(unknownID, secret)
	require.ErrorIs(t, err, ErrInvalidSecret)
}

func TestRegisterAssignsDistinctIDs(t *testing.T) {
	store := openTestStore(t)

	id1, _, err := store.Register()
	require.NoError(t, err)
	id2, _, err := store.Register()
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
}
