package crypto

import (
	"bytes"
	"errors"
	"os"
	"testing"
)

func TestKeyStore_LoadOrGenerate_NewKey(t *testing.T) {
	tmpDir := t.TempDir()

	ks, err := NewKeyStore(tmpDir)
	if err != nil {
		t.Fatalf("NewKeyStore failed: %v", err)
	}

	// First call should generate new identity
	id1, err := ks.LoadOrGenerate()
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	defer id1.Erase()

	if len(id1.PublicKey) != PublicKeySize {
		t.Errorf("expected public key size %d, got %d", PublicKeySize, len(id1.PublicKey))
	}

	// Second call should load the same identity
	id2, err := ks.LoadOrGenerate()
	if err != nil {
		t.Fatalf("LoadOrGenerate failed on second call: %v", err)
	}
	defer id2.Erase()

	if !bytes.Equal(id1.PublicKey, id2.PublicKey) {
		t.Error("LoadOrGenerate should return same identity on subsequent calls")
	}
}

func TestKeyStore_SaveAndLoad(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeyStore failed: %v", err)
	}

	seed, err := GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed failed: %v", err)
	}

	if err := ks.Save(seed); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := ks.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer SecureErase(loaded)

	if !bytes.Equal(seed, loaded) {
		t.Error("Loaded seed doesn't match saved seed")
	}

	if err := ks.Save(seed); !errors.Is(err, ErrKeyAlreadyExists) {
		t.Errorf("expected ErrKeyAlreadyExists, got %v", err)
	}
}

func TestKeyStore_FilePermissions(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeyStore failed: %v", err)
	}

	if _, err := ks.LoadOrGenerate(); err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}

	info, err := os.Stat(ks.Path())
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != KeyFileMode {
		t.Errorf("expected mode %o, got %o", KeyFileMode, info.Mode().Perm())
	}

	if err := os.Chmod(ks.Path(), 0644); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}
	if _, err := ks.Load(); !errors.Is(err, ErrInvalidKeyFile) {
		t.Errorf("expected ErrInvalidKeyFile for loose permissions, got %v", err)
	}
}

func TestKeyStore_Missing(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeyStore failed: %v", err)
	}

	if ks.Exists() {
		t.Error("fresh key store should not contain a key")
	}
	if _, err := ks.Load(); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}
