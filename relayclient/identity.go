package relayclient

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid"
)

// ClientID is the relay-assigned stable 128-bit identifier for a
// participant. It is also used as the trailing id in relay envelopes and
// as a Raft peer identifier.
type ClientID = uuid.UUID

// ClientSecret is the bearer token paired with a ClientID, presented on
// every reauth.
type ClientSecret = uuid.UUID

// ParseClientID parses the canonical string form of a ClientID, as
// printed by Connection.Identifier and read back from config files or
// operator input.
func ParseClientID(s string) (ClientID, error) {
	id, err := uuid.FromString(s)
	if err != nil {
		return ClientID{}, fmt.Errorf("relayclient: parse client id %q: %w", s, err)
	}
	return id, nil
}

const identityFileSize = 32 // ClientID (16) ∥ ClientSecret (16)

// ErrCorruptIdentity is returned when the on-disk identity file is not
// exactly 32 bytes.
var ErrCorruptIdentity = errors.New("relayclient: corrupt identity file")

// identity is the persisted (ClientID, ClientSecret) pair.
type identity struct {
	id     ClientID
	secret ClientSecret
}

// defaultIdentityPath returns the host-chosen identity file location,
// ~/.relay-data.
func defaultIdentityPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("relayclient: locate home directory: %w", err)
	}
	return filepath.Join(home, ".relay-data"), nil
}

// loadIdentity reads the identity file. A missing file is not an error: it
// simply means no identity has been registered yet (ok=false). A file of
// the wrong length is ErrCorruptIdentity.
func loadIdentity(path string) (id identity, ok bool, err error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return identity{}, false, nil
	}
	if err != nil {
		return identity{}, false, fmt.Errorf("relayclient: read identity file: %w", err)
	}
	if len(raw) != identityFileSize {
		return identity{}, false, fmt.Errorf("%w: %d bytes", ErrCorruptIdentity, len(raw))
	}
	copy(id.id[:], raw[:16])
	copy(id.secret[:], raw[16:])
	return id, true, nil
}

// saveIdentity atomically writes the identity file.
func saveIdentity(path string, id identity) error {
	var buf [identityFileSize]byte
	copy(buf[:16], id.id[:])
	copy(buf[16:], id.secret[:])

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf[:], 0o600); err != nil {
		return fmt.Errorf("relayclient: write identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("relayclient: rename identity file: %w", err)
	}
	return nil
}

// deleteIdentity removes a corrupt identity file so the connection can
// self-heal by re-registering, rather than wedging the host (REDESIGN:
// resolves spec.md §9 open question 2 in favor of graceful recovery).
func deleteIdentity(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("relayclient: remove corrupt identity file: %w", err)
	}
	return nil
}
