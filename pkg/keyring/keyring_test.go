package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalKeyring_StoreAndLoadSigningKey(t *testing.T) {
	dir := t.TempDir()
	kr, err := NewLocalKeyring(filepath.Join(dir, "keystore.json"))
	if err != nil {
		t.Fatalf("NewLocalKeyring failed: %v", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	sealed, err := kr.StoreSigningKey(priv)
	if err != nil {
		t.Fatalf("StoreSigningKey failed: %v", err)
	}

	loaded, err := kr.LoadSigningKey(sealed)
	if err != nil {
		t.Fatalf("LoadSigningKey failed: %v", err)
	}
	if !loaded.Equal(priv) {
		t.Error("loaded key does not match stored key")
	}
}

func TestLocalKeyring_RotatePreservesOldVersions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	kr, err := NewLocalKeyring(path)
	if err != nil {
		t.Fatalf("NewLocalKeyring failed: %v", err)
	}

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	sealed, err := kr.StoreSigningKey(priv)
	if err != nil {
		t.Fatalf("StoreSigningKey failed: %v", err)
	}

	newVersion, err := kr.Rotate()
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if newVersion != 2 {
		t.Errorf("expected new version 2, got %d", newVersion)
	}

	loaded, err := kr.LoadSigningKey(sealed)
	if err != nil {
		t.Fatalf("LoadSigningKey after rotate failed: %v", err)
	}
	if !loaded.Equal(priv) {
		t.Error("key sealed under old version did not survive rotation")
	}
}

func TestLocalKeyring_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.json")
	kr, err := NewLocalKeyring(path)
	if err != nil {
		t.Fatalf("NewLocalKeyring failed: %v", err)
	}
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	sealed, err := kr.StoreSigningKey(priv)
	if err != nil {
		t.Fatalf("StoreSigningKey failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected keystore file to exist: %v", err)
	}

	reloaded, err := NewLocalKeyring(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	loaded, err := reloaded.LoadSigningKey(sealed)
	if err != nil {
		t.Fatalf("LoadSigningKey after reload failed: %v", err)
	}
	if !loaded.Equal(priv) {
		t.Error("key did not survive reload")
	}
}
