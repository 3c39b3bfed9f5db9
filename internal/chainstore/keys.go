package chainstore

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// KeySize is the length of a chain public key.
const KeySize = 32

var discoveryContext = []byte("chainspace/discovery")

// DiscoveryKey derives the public rendezvous identifier for a chain key. The
// result is a keyed BLAKE3 hash so the content key itself is never announced.
func DiscoveryKey(key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	h := blake3.New(32, key)
	_, _ = h.Write(discoveryContext)
	return h.Sum(nil), nil
}

// KeyString renders a key the way pin counters and lock tables index it.
func KeyString(key []byte) string {
	return hex.EncodeToString(key)
}
