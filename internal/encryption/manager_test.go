package encryption

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := RandomKey()
	if err != nil {
		t.Fatalf("RandomKey() error = %v", err)
	}
	payloads := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0x00, 0xff, 0x7f}, 4096),
	}
	for _, p := range payloads {
		sealed, err := Seal(key, p)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		if !IsSealed(sealed) {
			t.Fatalf("IsSealed(%q) = false, want true", sealed)
		}
		got, err := Open(key, sealed)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("Open() = %x, want %x", got, p)
		}
	}
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	key, _ := RandomKey()
	a, _ := Seal(key, []byte("same"))
	b, _ := Seal(key, []byte("same"))
	if bytes.Equal(a, b) {
		t.Fatalf("two seals of the same plaintext are identical")
	}
}

func TestOpenDetectsEveryBitFlip(t *testing.T) {
	key, _ := RandomKey()
	sealed, err := Seal(key, []byte("tamper"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	for i := range sealed {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), sealed...)
			mutated[i] ^= 1 << bit
			if _, err := Open(key, mutated); !errors.Is(err, ErrIntegrity) {
				t.Fatalf("Open(flip byte %d bit %d) error = %v, want ErrIntegrity", i, bit, err)
			}
		}
	}
}

func TestOpenDetectsFlipInDecodedEnvelope(t *testing.T) {
	key, _ := RandomKey()
	sealed, _ := Seal(key, []byte("payload"))
	raw, err := encoding.DecodeString(string(sealed))
	if err != nil {
		t.Fatalf("decode sealed: %v", err)
	}
	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		if _, err := Open(key, []byte(encoding.EncodeToString(mutated))); !errors.Is(err, ErrIntegrity) {
			t.Fatalf("Open(flip raw byte %d) error = %v, want ErrIntegrity", i, err)
		}
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	k1, _ := RandomKey()
	k2, _ := RandomKey()
	sealed, _ := Seal(k1, []byte("secret"))
	if _, err := Open(k2, sealed); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("Open() with wrong key error = %v, want ErrIntegrity", err)
	}
}

func TestDeriveKeyIsDeterministicForSalt(t *testing.T) {
	salt := []byte("0123456789abcdef")
	a, err := DeriveKey("correct horse", salt, MinIterations)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	b, _ := DeriveKey("correct horse", salt, MinIterations)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprints differ for same password and salt")
	}
	c, _ := DeriveKey("wrong horse", salt, MinIterations)
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatalf("fingerprints equal for different passwords")
	}

	sealed, _ := Seal(a, []byte("x"))
	if _, err := Open(b, sealed); err != nil {
		t.Fatalf("Open() with re-derived key error = %v", err)
	}
}

func TestDeriveKeyGeneratesSalt(t *testing.T) {
	k, err := DeriveKey("pw", nil, MinIterations)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if len(k.Salt) != SaltSize {
		t.Fatalf("len(Salt) = %d, want %d", len(k.Salt), SaltSize)
	}
}

func TestDeriveKeyRejectsLowIterations(t *testing.T) {
	if _, err := DeriveKey("pw", nil, 1000); !errors.Is(err, ErrWeakKDF) {
		t.Fatalf("DeriveKey() error = %v, want ErrWeakKDF", err)
	}
}

func TestDeriveKeyWithoutPasswordIsRandom(t *testing.T) {
	a, _ := DeriveKey("", nil, 0)
	b, _ := DeriveKey("", nil, 0)
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("random keys share a fingerprint")
	}
	if a.Salt != nil {
		t.Fatalf("random key Salt = %x, want nil", a.Salt)
	}
}

func TestManagerRecordRoundTrip(t *testing.T) {
	m, err := New(Config{Password: "pw", Iterations: MinIterations})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	type record struct {
		Name  string         `json:"name"`
		Count int            `json:"count"`
		Tags  map[string]int `json:"tags"`
	}
	in := record{Name: "n", Count: 3, Tags: map[string]int{"a": 1}}
	blob, err := m.EncryptRecord(in)
	if err != nil {
		t.Fatalf("EncryptRecord() error = %v", err)
	}
	if bytes.Contains(blob, []byte(`"name"`)) {
		t.Fatalf("sealed record contains plaintext json")
	}
	var out record
	if err := m.DecryptRecord(blob, &out); err != nil {
		t.Fatalf("DecryptRecord() error = %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || out.Tags["a"] != 1 {
		t.Fatalf("DecryptRecord() = %+v, want %+v", out, in)
	}
}

func TestIsSealedRejectsPlaintext(t *testing.T) {
	for _, v := range []string{"", `{"session_id":"x"}`, "not base64!", "AAAA"} {
		if IsSealed([]byte(v)) {
			t.Fatalf("IsSealed(%q) = true, want false", v)
		}
	}
}

func TestLoadOrCreateSaltPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kdf.salt")
	first, err := LoadOrCreateSalt(path)
	if err != nil {
		t.Fatalf("LoadOrCreateSalt() error = %v", err)
	}
	second, err := LoadOrCreateSalt(path)
	if err != nil {
		t.Fatalf("LoadOrCreateSalt() second error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("salt changed between loads: %x != %x", first, second)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat salt file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("salt file perm = %o, want 600", perm)
	}
}
