package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

// testParams keeps Argon2id cheap in unit tests.
var testParams = Params{Time: 1, Memory: 1024, Threads: 1}

func mustSalt(t *testing.T) []byte {
	t.Helper()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() error = %v", err)
	}
	return salt
}

// TestDeriveFactorKey tests determinism and output length
func TestDeriveFactorKey(t *testing.T) {
	salt := mustSalt(t)

	km, err := DeriveFactorKey(testParams, "lighthouse-03", salt, "image")
	if err != nil {
		t.Fatalf("DeriveFactorKey() error = %v", err)
	}
	if len(km) != KeyLength {
		t.Errorf("DeriveFactorKey() returned %d bytes, want %d", len(km), KeyLength)
	}

	km2, err := DeriveFactorKey(testParams, "lighthouse-03", salt, "image")
	if err != nil {
		t.Fatalf("DeriveFactorKey() error = %v", err)
	}
	if !bytes.Equal(km, km2) {
		t.Error("DeriveFactorKey() with same inputs should produce identical key material")
	}

	other, err := DeriveFactorKey(testParams, "lighthouse-04", salt, "image")
	if err != nil {
		t.Fatalf("DeriveFactorKey() error = %v", err)
	}
	if bytes.Equal(km, other) {
		t.Error("DeriveFactorKey() with different value should produce different key material")
	}

	otherSalt, err := DeriveFactorKey(testParams, "lighthouse-03", mustSalt(t), "image")
	if err != nil {
		t.Fatalf("DeriveFactorKey() error = %v", err)
	}
	if bytes.Equal(km, otherSalt) {
		t.Error("DeriveFactorKey() with different salt should produce different key material")
	}
}

// TestDeriveFactorKeyDomainSeparation checks that the tag is bound into the input
func TestDeriveFactorKeyDomainSeparation(t *testing.T) {
	salt := mustSalt(t)
	tags := []string{"image", "question:1", "question:2", "phrase", "combine"}

	seen := make(map[string]string)
	for _, tag := range tags {
		km, err := DeriveFactorKey(testParams, "same raw value", salt, tag)
		if err != nil {
			t.Fatalf("DeriveFactorKey(%q) error = %v", tag, err)
		}
		if prev, ok := seen[string(km)]; ok {
			t.Errorf("tags %q and %q produced colliding key material", prev, tag)
		}
		seen[string(km)] = tag
	}
}

// TestDeriveFactorKeyNoConcatenationAlias makes sure tag/value boundaries matter
func TestDeriveFactorKeyNoConcatenationAlias(t *testing.T) {
	salt := mustSalt(t)
	a, err := DeriveFactorKey(testParams, "1x", salt, "question:")
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveFactorKey(testParams, "x", salt, "question:1")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("shifting bytes between tag and value should not collide")
	}
}

func TestDeriveFactorKeyErrors(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		salt    []byte
		tag     string
		wantErr error
	}{
		{"empty value", "", make([]byte, 16), "image", ErrInvalidInput},
		{"empty tag", "value", make([]byte, 16), "", ErrInvalidInput},
		{"nil salt", "value", nil, "image", ErrWeakSalt},
		{"short salt (8 bytes)", "value", make([]byte, 8), "image", ErrWeakSalt},
		{"short salt (15 bytes)", "value", make([]byte, 15), "image", ErrWeakSalt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km, err := DeriveFactorKey(testParams, tt.value, tt.salt, tt.tag)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DeriveFactorKey() error = %v, want %v", err, tt.wantErr)
			}
			if km != nil {
				t.Error("DeriveFactorKey() should not return key material on error")
			}
		})
	}
}

func TestDeriveFactorKeyAcceptsLongSalt(t *testing.T) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		t.Fatal(err)
	}
	if _, err := DeriveFactorKey(testParams, "value", salt, "phrase"); err != nil {
		t.Errorf("DeriveFactorKey() with 32-byte salt error = %v", err)
	}
}

func TestDeriveBytes(t *testing.T) {
	salt := mustSalt(t)
	a, err := DeriveBytes(testParams, []byte{1, 2, 3}, salt, "combine")
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveBytes(testParams, []byte{1, 2, 3}, salt, "combine")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("DeriveBytes() should be deterministic")
	}
	if _, err := DeriveBytes(testParams, nil, salt, "combine"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("DeriveBytes(nil) error = %v, want ErrInvalidInput", err)
	}
}

func TestParamsNormalize(t *testing.T) {
	p := Params{}.normalize()
	if p != DefaultParams() {
		t.Errorf("zero Params normalized to %+v, want %+v", p, DefaultParams())
	}
	custom := Params{Time: 2, Memory: 2048, Threads: 2}
	if custom.normalize() != custom {
		t.Error("normalize() should keep explicit values")
	}
}

// TestDefaultParameters verifies Argon2id parameters match OWASP recommendations
func TestDefaultParameters(t *testing.T) {
	if Argon2Memory != 64*1024 {
		t.Errorf("Argon2Memory = %d, want %d (64MB)", Argon2Memory, 64*1024)
	}
	if Argon2Time != 3 {
		t.Errorf("Argon2Time = %d, want 3", Argon2Time)
	}
	if Argon2Threads != 4 {
		t.Errorf("Argon2Threads = %d, want 4", Argon2Threads)
	}
	if KeyLength != 32 {
		t.Errorf("KeyLength = %d, want 32 (256-bit)", KeyLength)
	}
	if MinSaltLength != 16 {
		t.Errorf("MinSaltLength = %d, want 16", MinSaltLength)
	}
}

func TestCommitment(t *testing.T) {
	km := bytes.Repeat([]byte{0x42}, KeyLength)
	c := Commitment(km)
	if len(c) != 32 {
		t.Fatalf("Commitment() length = %d, want 32", len(c))
	}
	if bytes.Equal(c, km) {
		t.Error("Commitment() must not return the key material itself")
	}
	if !CommitmentEqual(c, Commitment(km)) {
		t.Error("CommitmentEqual() should accept identical commitments")
	}

	flipped := bytes.Repeat([]byte{0x42}, KeyLength)
	flipped[31] ^= 1
	if CommitmentEqual(c, Commitment(flipped)) {
		t.Error("CommitmentEqual() should reject different commitments")
	}
	if CommitmentEqual(c, c[:16]) {
		t.Error("CommitmentEqual() should reject a truncated commitment")
	}
}

func TestDeriveSubKey(t *testing.T) {
	master, err := NewKey()
	if err != nil {
		t.Fatal(err)
	}
	a, err := DeriveSubKey(master, "vault-v1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveSubKey(master, "audit-v1")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("DeriveSubKey() with different info should differ")
	}
	if _, err := DeriveSubKey(master[:16], "vault-v1"); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("DeriveSubKey(short) error = %v, want ErrInvalidKeyLength", err)
	}
}

// TestEncryptDecryptRoundTrip tests the AES-256-GCM helpers
func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("master key")},
		{"binary", []byte{0x00, 0x01, 0xFF, 0xFE}},
		{"1KB", bytes.Repeat([]byte("x"), 1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, nonce, err := Encrypt(key, tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(nonce) != NonceLength {
				t.Errorf("Encrypt() nonce length = %d, want %d", len(nonce), NonceLength)
			}
			got, err := Decrypt(key, ciphertext, nonce)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Errorf("Decrypt() = %x, want %x", got, tt.plaintext)
			}
		})
	}
}

func TestDecryptErrors(t *testing.T) {
	key, _ := NewKey()
	ciphertext, nonce, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	wrongKey, _ := NewKey()
	if _, err := Decrypt(wrongKey, ciphertext, nonce); err != ErrDecryptionFailed {
		t.Errorf("Decrypt() with wrong key error = %v, want %v", err, ErrDecryptionFailed)
	}
	if _, err := Decrypt(key[:16], ciphertext, nonce); err != ErrInvalidKeyLength {
		t.Errorf("Decrypt() with short key error = %v, want %v", err, ErrInvalidKeyLength)
	}
	if _, err := Decrypt(key, ciphertext, nonce[:8]); err != ErrInvalidNonceLength {
		t.Errorf("Decrypt() with short nonce error = %v, want %v", err, ErrInvalidNonceLength)
	}
	if _, err := Decrypt(key, []byte{1, 2, 3}, nonce); err != ErrCiphertextTooShort {
		t.Errorf("Decrypt() with short ciphertext error = %v, want %v", err, ErrCiphertextTooShort)
	}

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xFF
	if _, err := Decrypt(key, tampered, nonce); err != ErrDecryptionFailed {
		t.Errorf("Decrypt() with tampered ciphertext error = %v, want %v", err, ErrDecryptionFailed)
	}
}

// TestSecureWipe tests the secure memory wiping function
func TestSecureWipe(t *testing.T) {
	data := []byte("sensitive key material")
	SecureWipe(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("SecureWipe() byte at index %d = %d, want 0", i, b)
		}
	}

	// nil and empty slices must not panic
	SecureWipe(nil)
	SecureWipe([]byte{})
}
