package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"
)

func randomMasterKey(t *testing.T) [32]byte {
	t.Helper()
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestAtRest_RoundTrip(t *testing.T) {
	key := randomMasterKey(t)
	plaintext := []byte("ml-dsa-87 secret key bytes")

	ct, err := EncryptAtRest(key, MLDSA87, plaintext)
	if err != nil {
		t.Fatalf("EncryptAtRest: %v", err)
	}

	got, err := DecryptAtRest(key, MLDSA87, ct)
	if err != nil {
		t.Fatalf("DecryptAtRest: %v", err)
	}

	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestAtRest_WrongKey(t *testing.T) {
	key := randomMasterKey(t)
	wrongKey := randomMasterKey(t)

	ct, err := EncryptAtRest(key, MLDSA87, []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptAtRest: %v", err)
	}

	if _, err := DecryptAtRest(wrongKey, MLDSA87, ct); err == nil {
		t.Fatal("expected error decrypting with wrong key")
	}
}

func TestAtRest_WrongLabel(t *testing.T) {
	key := randomMasterKey(t)

	ct, err := EncryptAtRest(key, MLDSA87, []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptAtRest: %v", err)
	}

	if _, err := DecryptAtRest(key, Ed25519, ct); err == nil {
		t.Fatal("expected error decrypting under a different label")
	}
}

func TestAtRest_ShortData(t *testing.T) {
	key := randomMasterKey(t)
	if _, err := DecryptAtRest(key, MLDSA87, []byte("short")); err == nil {
		t.Fatal("expected error for short data")
	}
}

func TestAtRest_EmptyPlaintext(t *testing.T) {
	key := randomMasterKey(t)

	ct, err := EncryptAtRest(key, "", []byte{})
	if err != nil {
		t.Fatalf("EncryptAtRest: %v", err)
	}

	got, err := DecryptAtRest(key, "", ct)
	if err != nil {
		t.Fatalf("DecryptAtRest: %v", err)
	}

	if len(got) != 0 {
		t.Fatalf("expected empty plaintext, got %d bytes", len(got))
	}
}

func TestParseMasterKey(t *testing.T) {
	key := randomMasterKey(t)
	got, err := ParseMasterKey(" " + hex.EncodeToString(key[:]) + "\n")
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	if got != key {
		t.Fatal("parsed key differs")
	}

	cases := []string{"", "zz", strings.Repeat("ab", 31), strings.Repeat("ab", 33)}
	for _, c := range cases {
		if _, err := ParseMasterKey(c); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}
