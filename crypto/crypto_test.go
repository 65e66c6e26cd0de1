package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESSealer(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		errContains string
	}{
		{name: "valid", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
		{name: "empty", key: "", errContains: "empty"},
		{name: "not base64", key: "!!!", errContains: "base64"},
		{name: "short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), errContains: "32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESSealer(tt.key)
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("NewAESSealer() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("NewAESSealer() error = %v, want containing %q", err, tt.errContains)
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewAESSealer(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, payload := range [][]byte{[]byte("oauth-access-token"), {}} {
		ct, err := s.Seal("access-token-42", payload)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		pt, err := s.Open("access-token-42", ct)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if !bytes.Equal(pt, payload) {
			t.Errorf("Open() = %q, want %q", pt, payload)
		}
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	s, _ := NewAESSealer(testKey(t))
	a, _ := s.Seal("n", []byte("same"))
	b, _ := s.Seal("n", []byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same payload produced identical ciphertext")
	}
}

func TestOpenRejectsWrongName(t *testing.T) {
	s, _ := NewAESSealer(testKey(t))
	ct, _ := s.Seal("access-token-1", []byte("tok"))
	if _, err := s.Open("refresh-token-1", ct); !errors.Is(err, ErrOpen) {
		t.Errorf("Open() with other name error = %v, want ErrOpen", err)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s, _ := NewAESSealer(testKey(t))
	ct, _ := s.Seal("n", []byte("tok"))
	ct[len(ct)-1] ^= 0xff
	if _, err := s.Open("n", ct); !errors.Is(err, ErrOpen) {
		t.Errorf("Open() tampered error = %v, want ErrOpen", err)
	}
	if _, err := s.Open("n", []byte{1, 2}); err == nil {
		t.Error("Open() short ciphertext should fail")
	}
}

func TestOpenRejectsOtherKey(t *testing.T) {
	a, _ := NewAESSealer(testKey(t))
	b, _ := NewAESSealer(testKey(t))
	ct, _ := a.Seal("n", []byte("tok"))
	if _, err := b.Open("n", ct); !errors.Is(err, ErrOpen) {
		t.Errorf("Open() with other key error = %v, want ErrOpen", err)
	}
}
