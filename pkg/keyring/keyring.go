// Package keyring provides versioned, at-rest encrypted storage for the
// Ed25519 private keys agents and witnesses sign events with. Key
// management itself is external to the writing pipeline; this package is the
// reference implementation of that external management.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// hkdfSalt and hkdfInfoPrefix fix the HKDF-SHA256 context this keyring
// derives wrapping keys under, turning one root secret into many
// independent keys instead of generating and persisting one.
const (
	hkdfSalt       = "constitutional-ledger-keyring-kdf"
	hkdfInfoPrefix = "wrapping-key-v"
)

// deriveWrappingKey derives the version-N AES-256 wrapping key from the
// keyring's root secret via HKDF-SHA256, with the version number bound
// into the info parameter. Versions are never stored individually: the
// root secret is the only thing persisted, and every version's key is
// re-derived deterministically on demand, so Rotate never has to choose
// between persisting a growing set of raw keys and losing the ability
// to Decrypt under an older version.
func deriveWrappingKey(rootSecret []byte, version int) ([]byte, error) {
	info := []byte(fmt.Sprintf("%s%d", hkdfInfoPrefix, version))
	r := hkdf.New(sha256.New, rootSecret, []byte(hkdfSalt), info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("keyring: hkdf derive v%d: %w", version, err)
	}
	return key, nil
}

// Manager defines the key-at-rest management interface.
type Manager interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
	Rotate() (version int, err error)
	ActiveVersion() int
}

// Keystore is the on-disk JSON format for the keyring's root secret.
// Per-version wrapping keys are never themselves persisted: they are
// re-derived from RootSecret on demand via HKDF (see deriveWrappingKey),
// so rotation only ever has to advance ActiveVersion.
type Keystore struct {
	ActiveVersion int    `json:"active_version"`
	RootSecret    string `json:"root_secret"` // base64-encoded HKDF IKM
}

// LocalKeyring is a file-backed, AES-256-GCM-wrapped key store. It
// encrypts whatever byte string it is handed — in this domain, that is
// always a full 64-byte ed25519.PrivateKey (see StoreSigningKey) — under a versioned wrapping key
// derived from a single root secret, so the wrapping key can rotate
// without re-issuing signing identities and without the keystore file
// growing a new raw key on every rotation.
type LocalKeyring struct {
	mu         sync.RWMutex
	store      Keystore
	path       string
	rootSecret []byte
	keys       map[int][]byte // memoized deriveWrappingKey results
}

// NewLocalKeyring loads or creates a wrapping keystore at path. If the
// file does not exist, a fresh root secret is generated and version 1
// is derived from it.
func NewLocalKeyring(keystorePath string) (*LocalKeyring, error) {
	kr := &LocalKeyring{
		path: keystorePath,
		keys: make(map[int][]byte),
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
			return nil, fmt.Errorf("keyring: create dir: %w", err)
		}

		root := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, root); err != nil {
			return nil, fmt.Errorf("keyring: generate root secret: %w", err)
		}

		kr.store = Keystore{
			ActiveVersion: 1,
			RootSecret:    base64.StdEncoding.EncodeToString(root),
		}
		kr.rootSecret = root

		if err := kr.persist(); err != nil {
			return nil, err
		}
		return kr, nil
	}

	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("keyring: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &kr.store); err != nil {
		return nil, fmt.Errorf("keyring: parse keystore: %w", err)
	}

	root, err := base64.StdEncoding.DecodeString(kr.store.RootSecret)
	if err != nil {
		return nil, fmt.Errorf("keyring: decode root secret: %w", err)
	}
	if len(root) != 32 {
		return nil, fmt.Errorf("keyring: root secret invalid length %d (need 32)", len(root))
	}
	kr.rootSecret = root

	if kr.store.ActiveVersion < 1 {
		return nil, fmt.Errorf("keyring: invalid active version %d", kr.store.ActiveVersion)
	}

	return kr, nil
}

// wrappingKey returns the derived, memoized AES key for version v.
func (k *LocalKeyring) wrappingKey(v int) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[v]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	derived, err := deriveWrappingKey(k.rootSecret, v)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.keys[v] = derived
	k.mu.Unlock()
	return derived, nil
}

// Encrypt wraps plaintext with the active wrapping key, returning
// "v<N>:<base64(nonce+ciphertext)>".
func (k *LocalKeyring) Encrypt(plaintext []byte) (string, error) {
	k.mu.RLock()
	activeVersion := k.store.ActiveVersion
	k.mu.RUnlock()

	key, err := k.wrappingKey(activeVersion)
	if err != nil {
		return "", err
	}

	ct, err := aesGCMEncrypt(key, plaintext)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d:%s", activeVersion, base64.StdEncoding.EncodeToString(ct)), nil
}

// Decrypt unwraps versioned ciphertext produced by Encrypt, re-deriving
// whichever wrapping key version it was sealed under.
func (k *LocalKeyring) Decrypt(ciphertext string) ([]byte, error) {
	version, payload, err := parseVersioned(ciphertext)
	if err != nil {
		return nil, err
	}

	key, err := k.wrappingKey(version)
	if err != nil {
		return nil, err
	}

	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("keyring: decode ciphertext: %w", err)
	}
	return aesGCMDecrypt(key, ct)
}

// Rotate advances the active wrapping-key version. The new version's
// key is derived from the same root secret the moment it is first
// needed; older versions remain decryptable since their keys re-derive
// identically from that same root secret.
func (k *LocalKeyring) Rotate() (int, error) {
	k.mu.Lock()
	newVersion := k.store.ActiveVersion + 1
	k.store.ActiveVersion = newVersion
	k.mu.Unlock()

	if err := k.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (k *LocalKeyring) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.ActiveVersion
}

// StoreSigningKey wraps an ed25519 private key under the active wrapping
// key and returns the sealed, persistable string.
func (k *LocalKeyring) StoreSigningKey(priv ed25519.PrivateKey) (string, error) {
	return k.Encrypt(priv)
}

// LoadSigningKey unwraps a sealed signing key back into an
// ed25519.PrivateKey.
func (k *LocalKeyring) LoadSigningKey(sealed string) (ed25519.PrivateKey, error) {
	raw, err := k.Decrypt(sealed)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keyring: unwrapped key has wrong size %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

func (k *LocalKeyring) persist() error {
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return fmt.Errorf("keyring: marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return fmt.Errorf("keyring: write keystore: %w", err)
	}
	return nil
}

func aesGCMEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyring: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyring: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keyring: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesGCMDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keyring: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyring: gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("keyring: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", fmt.Errorf("keyring: missing version prefix in %q", s)
	}
	idx := strings.Index(s, ":")
	if idx < 2 {
		return 0, "", fmt.Errorf("keyring: malformed versioned string %q", s)
	}
	v, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("keyring: parse version: %w", err)
	}
	return v, s[idx+1:], nil
}
