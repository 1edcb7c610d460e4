// ABOUTME: Long-key digesting per spec section 4.6
// ABOUTME: Keys over 224 bytes compare by a 256-byte prefix+sha256 digest instead of their raw bytes

package btree

import "crypto/sha256"

// DigestThreshold is the longest key stored inline anywhere in the tree.
// Keys longer than this are compared and ordered by their Digest instead.
const DigestThreshold = 224

// DigestSize is the width of a long-key digest: a 224-byte prefix of the
// original key concatenated with the sha256 of the full key.
const DigestSize = DigestThreshold + sha256.Size

// Digest returns the comparison key for a long key: its first 224 bytes
// followed by its sha256. Two distinct keys can share a Digest only if
// they share their first 224 bytes and collide in sha256, which this
// package treats as cryptographically impossible — Get still verifies the
// full key from the overflow chain on every digested match as a guard.
func Digest(key []byte) [DigestSize]byte {
	var out [DigestSize]byte
	copy(out[:DigestThreshold], key)
	sum := sha256.Sum256(key)
	copy(out[DigestThreshold:], sum[:])
	return out
}

// ComparisonKey returns the bytes the tree actually orders and searches
// by: the raw key if it fits inline, or its Digest if not.
func ComparisonKey(key []byte) []byte {
	if len(key) <= DigestThreshold {
		return key
	}
	d := Digest(key)
	return d[:]
}

func IsLong(key []byte) bool { return len(key) > DigestThreshold }
