package credentials

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, keySize))
}

func TestSealerOpensWhatItSeals(t *testing.T) {
	s, err := NewSealer(testKey(7))
	if err != nil {
		t.Fatalf("NewSealer returned error: %v", err)
	}
	sealed, err := s.Seal("hunter2")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if bytes.Contains(sealed, []byte("hunter2")) {
		t.Fatal("sealed secret contains plaintext")
	}
	plain, err := s.Open(sealed)
	if err != nil || plain != "hunter2" {
		t.Fatalf("Open = %q, %v", plain, err)
	}
}

func TestSealerRejectsForeignKey(t *testing.T) {
	a, _ := NewSealer(testKey(1))
	b, _ := NewSealer(testKey(2))

	sealed, err := a.Seal("secret")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if _, err := b.Open(sealed); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	if _, err := a.Open([]byte("short")); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for truncated input, got %v", err)
	}
}

func TestSealerWithoutKeyIsPassthrough(t *testing.T) {
	s, err := NewSealer("")
	if err != nil {
		t.Fatalf("NewSealer returned error: %v", err)
	}
	if s.Enabled() {
		t.Fatal("sealer without key must be disabled")
	}
	plain, err := s.Open([]byte("plain"))
	if err != nil || plain != "plain" {
		t.Fatalf("Open = %q, %v", plain, err)
	}
}

func TestNewSealerValidatesKeyLength(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := NewSealer(short); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
