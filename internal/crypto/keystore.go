package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrInvalidKeyFile   = errors.New("invalid key file")
)

const (
	KeyStoreFileName = "device.key"
	KeyFileMode      = 0600 // Read/write for owner only
	KeyDirMode       = 0700 // Read/write/execute for owner only
)

// KeyStore persists the device identity seed. The device key is the
// receiver identity carried in acknowledgments and the author of relay events.
type KeyStore struct {
	keyPath string
}

// NewKeyStore creates a new key store at the specified directory
func NewKeyStore(keyDir string) (*KeyStore, error) {
	if err := os.MkdirAll(keyDir, KeyDirMode); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	info, err := os.Stat(keyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat key directory: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("key path is not a directory: %s", keyDir)
	}

	if info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(keyDir, KeyDirMode); err != nil {
			return nil, fmt.Errorf("failed to fix directory permissions: %w", err)
		}
	}

	return &KeyStore{
		keyPath: filepath.Join(keyDir, KeyStoreFileName),
	}, nil
}

// Identity is the device signing identity.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Erase wipes the private half of the identity.
func (i *Identity) Erase() {
	SecureErase(i.PrivateKey)
}

// LoadOrGenerate loads the device identity or creates and persists a new one.
func (ks *KeyStore) LoadOrGenerate() (*Identity, error) {
	seed, err := ks.Load()
	if errors.Is(err, ErrKeyNotFound) {
		if seed, err = GenerateSeed(); err != nil {
			return nil, err
		}
		if err := ks.Save(seed); err != nil {
			SecureErase(seed)
			return nil, fmt.Errorf("failed to save key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load key: %w", err)
	}
	defer SecureErase(seed)

	priv, pub, err := DeriveSigningKeypair(seed)
	if err != nil {
		return nil, err
	}

	return &Identity{PrivateKey: priv, PublicKey: pub}, nil
}

// Load loads the identity seed from disk
func (ks *KeyStore) Load() ([]byte, error) {
	info, err := os.Stat(ks.keyPath)
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat key file: %w", err)
	}

	if info.Mode().Perm() != KeyFileMode {
		return nil, fmt.Errorf("%w: invalid permissions %o", ErrInvalidKeyFile, info.Mode().Perm())
	}

	data, err := os.ReadFile(ks.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	defer SecureErase(data)

	seed := make([]byte, hex.DecodedLen(len(data)))
	n, err := hex.Decode(seed, data)
	if err != nil {
		SecureErase(seed)
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	seed = seed[:n]

	if len(seed) != SeedSize {
		SecureErase(seed)
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeyFile, SeedSize, len(seed))
	}

	return seed, nil
}

// Save persists the identity seed. Existing keys are never overwritten.
func (ks *KeyStore) Save(seed []byte) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSeed, SeedSize, len(seed))
	}

	if _, err := os.Stat(ks.keyPath); err == nil {
		return ErrKeyAlreadyExists
	}

	encoded := make([]byte, hex.EncodedLen(len(seed)))
	hex.Encode(encoded, seed)
	defer SecureErase(encoded)

	// Write to temporary file first
	tmpPath := ks.keyPath + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, KeyFileMode); err != nil {
		return fmt.Errorf("failed to write temporary key file: %w", err)
	}

	if err := os.Rename(tmpPath, ks.keyPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename key file: %w", err)
	}

	return nil
}

// Exists checks if a key file exists
func (ks *KeyStore) Exists() bool {
	_, err := os.Stat(ks.keyPath)
	return err == nil
}

// Path returns the key file path (for logging/debugging)
func (ks *KeyStore) Path() string {
	return ks.keyPath
}
