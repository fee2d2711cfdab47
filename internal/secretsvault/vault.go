// Package secretsvault stores secret values bound to a workspace folder or
// plugin — engine API tokens, transport bot tokens — encrypted at rest
// with age (SPEC_FULL "secret-at-rest encryption for the secrets vault").
// It is a thin folder-scoped store built on top of internal/secrets'
// identity and blob-encryption primitives; it doesn't reimplement any
// cryptography itself.
package secretsvault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"filippo.io/age"

	"github.com/dohr-michael/ozzie-gateway/internal/secrets"
	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

// keyFileName and storeFileName name the vault's two on-disk artifacts,
// both kept alongside the workspace config (workspace.ConfigDirName).
const (
	keyFileName   = ".age-key"
	storeFileName = "secrets.json"
)

// Vault is a folder-scoped, age-encrypted secret store for one workspace.
// Entries are indexed by an arbitrary scope (a folder name, or a plugin
// ID for secrets not bound to any folder) and a key within that scope.
type Vault struct {
	path     string
	identity *age.X25519Identity

	mu      sync.Mutex
	entries map[string]map[string]string // scope -> key -> ENC[age:...] blob
}

// Open loads (creating if necessary) the vault for the workspace rooted
// at root: an age identity is generated on first use, and any existing
// encrypted store is read back in.
func Open(root string) (*Vault, error) {
	keyPath := filepath.Join(root, workspace.ConfigDirName, keyFileName)
	if err := secrets.GenerateIdentity(keyPath); err != nil {
		return nil, fmt.Errorf("provision vault key: %w", err)
	}
	identity, err := secrets.LoadIdentity(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load vault key: %w", err)
	}

	v := &Vault{
		path:     filepath.Join(root, workspace.ConfigDirName, storeFileName),
		identity: identity,
		entries:  make(map[string]map[string]string),
	}
	if err := v.load(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) load() error {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read secrets store: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &v.entries); err != nil {
		return fmt.Errorf("decode secrets store: %w", err)
	}
	return nil
}

// persist must be called with v.mu held.
func (v *Vault) persist() error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o755); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	data, err := json.MarshalIndent(v.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode secrets store: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.path)
}

// Set encrypts plaintext and stores it under scope/key, persisting the
// vault immediately.
func (v *Vault) Set(scope, key, plaintext string) error {
	encrypted, err := secrets.Encrypt(plaintext, v.identity.Recipient())
	if err != nil {
		return fmt.Errorf("encrypt secret %s/%s: %w", scope, key, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.entries[scope] == nil {
		v.entries[scope] = make(map[string]string)
	}
	v.entries[scope][key] = encrypted
	return v.persist()
}

// Get decrypts and returns the secret stored under scope/key.
func (v *Vault) Get(scope, key string) (string, bool, error) {
	v.mu.Lock()
	blob, ok := v.entries[scope][key]
	v.mu.Unlock()
	if !ok {
		return "", false, nil
	}

	plaintext, err := secrets.Decrypt(blob, v.identity)
	if err != nil {
		return "", false, fmt.Errorf("decrypt secret %s/%s: %w", scope, key, err)
	}
	return plaintext, true, nil
}

// Delete removes scope/key from the vault, persisting the change. It is
// not an error to delete a key that doesn't exist.
func (v *Vault) Delete(scope, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.entries[scope] == nil {
		return nil
	}
	delete(v.entries[scope], key)
	if len(v.entries[scope]) == 0 {
		delete(v.entries, scope)
	}
	return v.persist()
}

// Keys returns the secret keys stored under scope, sorted for
// deterministic listing. Values are never returned by this method.
func (v *Vault) Keys(scope string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, 0, len(v.entries[scope]))
	for k := range v.entries[scope] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Recipient returns the vault's public encryption key, for components
// that need to encrypt a value for this vault without needing decrypt
// access.
func (v *Vault) Recipient() *age.X25519Recipient {
	return v.identity.Recipient()
}
