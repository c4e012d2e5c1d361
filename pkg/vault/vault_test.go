package vault

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/forest6511/keystone/pkg/crypto"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, crypto.KeyLength)
}

func TestInit(t *testing.T) {
	tmpDir := t.TempDir()
	v := New(tmpDir)

	if err := v.Init(testKey(1), []byte("hello")); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if v.IsLocked() {
		t.Error("expected vault to be unlocked after Init")
	}

	for _, name := range []string{DataFileName, MetaFileName} {
		if _, err := os.Stat(filepath.Join(tmpDir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(tmpDir, DataFileName))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("hello")) {
		t.Error("data file contains plaintext")
	}

	if err := v.Init(testKey(1), nil); err != ErrVaultAlreadyExists {
		t.Errorf("expected ErrVaultAlreadyExists, got %v", err)
	}
}

func TestUnlockLock(t *testing.T) {
	tmpDir := t.TempDir()
	if err := New(tmpDir).Init(testKey(1), []byte("secret data")); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	v := New(tmpDir)
	if !v.IsLocked() {
		t.Fatal("new handle should be locked")
	}
	if _, err := v.Read(); err != ErrVaultLocked {
		t.Errorf("Read while locked: expected ErrVaultLocked, got %v", err)
	}

	if err := v.Unlock(testKey(2)); !errors.Is(err, ErrWrongKey) {
		t.Errorf("Unlock with wrong key: expected ErrWrongKey, got %v", err)
	}
	if err := v.Unlock([]byte("short")); !errors.Is(err, crypto.ErrInvalidKeyLength) {
		t.Errorf("Unlock with short key: expected ErrInvalidKeyLength, got %v", err)
	}

	if err := v.Unlock(testKey(1)); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := v.Unlock(testKey(1)); err != ErrVaultAlreadyUnlocked {
		t.Errorf("expected ErrVaultAlreadyUnlocked, got %v", err)
	}

	got, err := v.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "secret data" {
		t.Errorf("Read = %q, want %q", got, "secret data")
	}

	v.Lock()
	if !v.IsLocked() {
		t.Error("expected vault to be locked")
	}
}

func TestUnlockNotFound(t *testing.T) {
	v := New(filepath.Join(t.TempDir(), "missing"))
	if err := v.Unlock(testKey(1)); err != ErrVaultNotFound {
		t.Errorf("expected ErrVaultNotFound, got %v", err)
	}
}

func TestWrite(t *testing.T) {
	tmpDir := t.TempDir()
	v := New(tmpDir)
	if err := v.Init(testKey(1), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	before, err := v.Meta()
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Write([]byte("v2")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	after, err := v.Meta()
	if err != nil {
		t.Fatal(err)
	}
	if after.UpdatedAt.Before(before.UpdatedAt) || !after.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("metadata not updated correctly: before %+v, after %+v", before, after)
	}

	v.Lock()
	if err := v.Write([]byte("v3")); err != ErrVaultLocked {
		t.Errorf("Write while locked: expected ErrVaultLocked, got %v", err)
	}

	if err := v.Unlock(testKey(1)); err != nil {
		t.Fatal(err)
	}
	got, err := v.Read()
	if err != nil || string(got) != "v2" {
		t.Errorf("Read = %q, %v; want v2", got, err)
	}

	if err := v.Write(make([]byte, MaxDataSize+1)); !errors.Is(err, ErrDataTooLarge) {
		t.Errorf("oversized Write: expected ErrDataTooLarge, got %v", err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("vault directory holds %d entries, want 2 (no temp files)", len(entries))
	}
}

func TestCorruptedData(t *testing.T) {
	tmpDir := t.TempDir()
	if err := New(tmpDir).Init(testKey(1), []byte("data")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"not json", "garbage"},
		{"wrong version", `{"version":9,"nonce":"AAAAAAAAAAAAAAAA","ciphertext":"AA=="}`},
		{"short nonce", `{"version":1,"nonce":"AA==","ciphertext":"AA=="}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := os.WriteFile(filepath.Join(tmpDir, DataFileName), []byte(tt.content), FileMode); err != nil {
				t.Fatal(err)
			}
			if err := New(tmpDir).Unlock(testKey(1)); !errors.Is(err, ErrVaultCorrupted) {
				t.Errorf("expected ErrVaultCorrupted, got %v", err)
			}
		})
	}
}

func TestFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions only")
	}
	tmpDir := filepath.Join(t.TempDir(), "vault")
	if err := New(tmpDir).Init(testKey(1), nil); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != DirMode {
		t.Errorf("directory mode = %04o, want %04o", perm, DirMode)
	}
	for _, name := range []string{DataFileName, MetaFileName} {
		info, err := os.Stat(filepath.Join(tmpDir, name))
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != FileMode {
			t.Errorf("%s mode = %04o, want %04o", name, perm, FileMode)
		}
	}
}
