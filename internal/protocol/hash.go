package protocol

import (
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Digest returns the 0x-prefixed lowercase hex Keccak-256 of canonical bytes,
// the same function an EVM ledger applies to comparable values.
func Digest(canonical []byte) string {
	return crypto.Keccak256Hash(canonical).Hex()
}

// DigestString hashes the UTF-8 bytes of s.
func DigestString(s string) string {
	return Digest([]byte(s))
}

func HashCanonical(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}

// MetadataDigest hashes the write-once view of m.
func MetadataDigest(m BatchMetadata) (string, error) {
	return HashCanonical(m.HashView())
}

// EqualDigest compares two digests ignoring hex case.
func EqualDigest(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
