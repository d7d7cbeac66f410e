package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainNode   = "dagstate/node/v1"
	DomainCommit = "dagstate/commit/v1"
	DomainHandle = "dagstate/handle/v1"
)

// DigestPrefix tags every digest string with its algorithm.
const DigestPrefix = DigestAlgorithm + ":"

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return DigestPrefix + hex.EncodeToString(h.Sum(nil))
}

// Digest returns the tagged digest ("sha256:<hex>") of data under domain.
func Digest(domain string, data []byte) string {
	return hashWithDomain(domain, data)
}

// DigestValue canonicalizes v and returns its tagged digest under domain.
func DigestValue(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// ValidDigest reports whether s is a well-formed tagged digest.
func ValidDigest(s string) bool {
	hexPart, ok := strings.CutPrefix(s, DigestPrefix)
	if !ok || len(hexPart) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
