package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const masterKeySize = 32

// ErrUnknownKey is returned when a ciphertext names a key id the keyring does not hold
var ErrUnknownKey = errors.New("unknown vault key id")

// Keyring holds the master keys sessions are sealed under. Only the active
// key seals; every key can open.
type Keyring struct {
	keys   map[string][]byte
	active string
}

// ParseKeyring parses "id:base64key,id2:base64key2" and selects active as the
// sealing key
func ParseKeyring(spec, active string) (*Keyring, error) {
	kr := &Keyring{keys: make(map[string][]byte), active: active}

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, encoded, ok := strings.Cut(entry, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid vault key entry %q: expected id:base64", entry)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid vault key %s: %w", id, err)
		}
		if len(key) != masterKeySize {
			return nil, fmt.Errorf("invalid vault key %s: want %d bytes, got %d", id, masterKeySize, len(key))
		}
		if _, dup := kr.keys[id]; dup {
			return nil, fmt.Errorf("duplicate vault key id %s", id)
		}
		kr.keys[id] = key
	}

	if len(kr.keys) == 0 {
		return nil, errors.New("no vault keys configured")
	}
	if kr.active == "" {
		if len(kr.keys) != 1 {
			return nil, errors.New("VAULT_ACTIVE_KEY is required when more than one key is configured")
		}
		for id := range kr.keys {
			kr.active = id
		}
	}
	if _, ok := kr.keys[kr.active]; !ok {
		return nil, fmt.Errorf("active vault key %s is not configured", kr.active)
	}

	return kr, nil
}

// ActiveKeyID returns the id of the key new ciphertexts are sealed with
func (kr *Keyring) ActiveKeyID() string {
	return kr.active
}

// KeyIDs returns the configured key ids in sorted order
func (kr *Keyring) KeyIDs() []string {
	ids := make([]string, 0, len(kr.keys))
	for id := range kr.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// seal encrypts plaintext for userID under the active key. The output is
// nonce || ciphertext.
func (kr *Keyring) seal(userID string, plaintext []byte) ([]byte, string, error) {
	aead, err := kr.aead(kr.active, userID)
	if err != nil {
		return nil, "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(userID)), kr.active, nil
}

func (kr *Keyring) open(userID, keyID string, sealed []byte) ([]byte, error) {
	aead, err := kr.aead(keyID, userID)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed session too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed session: %w", err)
	}
	return plaintext, nil
}

// aead derives the per-user subkey from the master key with HKDF-SHA256
func (kr *Keyring) aead(keyID, userID string) (cipher.AEAD, error) {
	master, ok := kr.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}

	subkey := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte("wearable-sync session v1|"+userID))
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(subkey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}
