package credential

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "imaprelay"

// RefPrefix marks a config value that names a keyring entry instead of
// holding the secret itself.
const RefPrefix = "keyring:"

// PassphraseEnv holds the passphrase of the encrypted file backend. When it
// is unset the passphrase is prompted for on the terminal.
const PassphraseEnv = "IMAPRELAY_KEYRING_PASSPHRASE"

// Store reads secrets by key.
type Store interface {
	Get(key string) (string, error)
}

// Keyring is a Store backed by the system keyring.
type Keyring struct{}

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	dir := "~/.config/imaprelay/credentials"
	if cfgDir, err := os.UserConfigDir(); err == nil {
		dir = filepath.Join(cfgDir, serviceName, "credentials")
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         filePassphrase(os.Getenv),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func filePassphrase(getenv func(string) string) keyring.PromptFunc {
	return func(prompt string) (string, error) {
		if p := getenv(PassphraseEnv); p != "" {
			return p, nil
		}
		return keyring.TerminalPrompt(prompt)
	}
}

// Get retrieves a credential value by key from the system keyring.
func (Keyring) Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Resolve returns value unchanged unless it is a keyring reference, in which
// case the referenced secret is looked up in store.
func Resolve(store Store, value string) (string, error) {
	key, ok := strings.CutPrefix(value, RefPrefix)
	if !ok {
		return value, nil
	}
	if key == "" {
		return "", fmt.Errorf("empty keyring reference")
	}
	return store.Get(key)
}
