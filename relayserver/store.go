package relayserver

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/gofrs/uuid"
	bolt "go.etcd.io/bbolt"
)

var clientsBucket = []byte("clients")

// ErrInvalidSecret is returned by Verify when the presented secret does
// not match the stored one for the given ClientID.
var ErrInvalidSecret = errors.New("relayserver: invalid secret")

// Store is the embedded, durable ClientID -> ClientSecret table backing
// registration and reauth.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if absent) a bbolt database at path with the
// single "clients" bucket.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("relayserver: open identity store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(clientsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("relayserver: init identity store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Register transactionally draws a ClientID not already present in the
// store, a fresh ClientSecret, and persists the pair.
func (s *Store) Register() (ClientID, ClientSecret, error) {
	var id ClientID
	var secret ClientSecret

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		for {
			candidate, err := randomUUID()
			if err != nil {
				return err
			}
			if b.Get(candidate[:]) == nil {
				id = candidate
				break
			}
		}
		s, err := randomUUID()
		if err != nil {
			return err
		}
		secret = s
		return b.Put(id[:], secret[:])
	})
	if err != nil {
		return ClientID{}, ClientSecret{}, fmt.Errorf("relayserver: register: %w", err)
	}
	return id, secret, nil
}

// Verify checks a presented (id, secret) pair against the store.
func (s *Store) Verify(id ClientID, secret ClientSecret) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		stored := b.Get(id[:])
		if stored == nil {
			return ErrInvalidSecret
		}
		var got ClientSecret
		copy(got[:], stored)
		if got != secret {
			return ErrInvalidSecret
		}
		return nil
	})
}

func randomUUID() (uuid.UUID, error) {
	var raw [16]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return uuid.UUID{}, err
	}
	u, err := uuid.FromBytes(raw[:])
	if err != nil {
		return uuid.UUID{}, err
	}
	return u, nil
}
