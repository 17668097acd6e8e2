// Package secrets stores and retrieves account passwords in the OS-native
// credential manager (spec §4.4's ask_password fallback path).
package secrets

import (
	"fmt"

	gokeyring "github.com/zalando/go-keyring"
)

const serviceName = "imapengine"

// ErrNotFound mirrors gokeyring.ErrNotFound so callers of this package
// never need to import go-keyring directly.
var ErrNotFound = gokeyring.ErrNotFound

// Store is an OS-keyring-backed password store, one entry per account ID.
type Store struct{}

// NewStore returns a keyring-backed Store.
func NewStore() *Store { return &Store{} }

// Save writes password under accountID, overwriting any existing entry.
func (s *Store) Save(accountID, password string) error {
	if err := gokeyring.Set(serviceName, accountID, password); err != nil {
		return fmt.Errorf("secrets: save %q: %w", accountID, err)
	}
	return nil
}

// Load returns the stored password for accountID, or ErrNotFound.
func (s *Store) Load(accountID string) (string, error) {
	password, err := gokeyring.Get(serviceName, accountID)
	if err != nil {
		if err == gokeyring.ErrNotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("secrets: load %q: %w", accountID, err)
	}
	return password, nil
}

// Delete removes any stored password for accountID; a missing entry is not
// an error.
func (s *Store) Delete(accountID string) error {
	if err := gokeyring.Delete(serviceName, accountID); err != nil && err != gokeyring.ErrNotFound {
		return fmt.Errorf("secrets: delete %q: %w", accountID, err)
	}
	return nil
}

// KeyringPasswordSource adapts a Store into an auth.PasswordSource for the
// NoWindow fallback path: no interactive prompt, so AskPassword only ever
// consults the keyring and fails if nothing is stored.
type KeyringPasswordSource struct {
	store     *Store
	accountID string
	username  string
}

// NewKeyringPasswordSource builds a non-interactive password source backed
// by store, for the case where ask_password would return ErrNoWindow.
func NewKeyringPasswordSource(store *Store, accountID, username string) *KeyringPasswordSource {
	return &KeyringPasswordSource{store: store, accountID: accountID, username: username}
}

func (k *KeyringPasswordSource) Username() (string, error) { return k.username, nil }

func (k *KeyringPasswordSource) AskPassword(newPrompt bool) (string, error) {
	if newPrompt {
		return "", fmt.Errorf("secrets: no window available to re-prompt for a new password")
	}
	return k.store.Load(k.accountID)
}
