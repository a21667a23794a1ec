package credentials

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService namespaces our entries in the OS credential store.
const keyringService = "copilot-usage-sync"

var ErrNoStoredKey = errors.New("no shared key stored for this account")

// SecretStore keeps the storage shared key in the per-machine OS credential
// store. The key never appears in configuration files or exported settings.
type SecretStore struct{}

// NewSecretStore returns the OS-backed secret store.
func NewSecretStore() *SecretStore {
	return &SecretStore{}
}

func entryName(account string) string {
	return "shared-key:" + account
}

// SharedKey fetches the stored key for a storage account.
func (s *SecretStore) SharedKey(account string) (string, error) {
	key, err := keyring.Get(keyringService, entryName(account))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNoStoredKey
		}
		return "", fmt.Errorf("read shared key from credential store: %w", err)
	}
	return key, nil
}

// StoreSharedKey saves the key for a storage account.
func (s *SecretStore) StoreSharedKey(account, key string) error {
	if err := keyring.Set(keyringService, entryName(account), key); err != nil {
		return fmt.Errorf("store shared key in credential store: %w", err)
	}
	return nil
}

// DeleteSharedKey removes the stored key, if any.
func (s *SecretStore) DeleteSharedKey(account string) error {
	err := keyring.Delete(keyringService, entryName(account))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete shared key from credential store: %w", err)
	}
	return nil
}
