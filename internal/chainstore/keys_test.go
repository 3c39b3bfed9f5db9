package chainstore

import (
	"bytes"
	"errors"
	"testing"
)

func TestDiscoveryKeyDeterministic(t *testing.T) {
	key := bytes.Repeat([]byte{7}, KeySize)
	a, err := DiscoveryKey(key)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, _ := DiscoveryKey(key)
	if !bytes.Equal(a, b) {
		t.Fatal("discovery key should be deterministic")
	}
	if bytes.Equal(a, key) {
		t.Fatal("discovery key must differ from the content key")
	}
	other, _ := DiscoveryKey(bytes.Repeat([]byte{8}, KeySize))
	if bytes.Equal(a, other) {
		t.Fatal("distinct keys should map to distinct discovery keys")
	}
}

func TestDiscoveryKeyRejectsShortKey(t *testing.T) {
	if _, err := DiscoveryKey([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
