package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed digests.
const (
	DomainCycle = "pretest/cycle/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CycleDigest returns the canonical JSON of a cycle record's details and its
// domain-separated SHA-256 digest.
func CycleDigest(rec CycleRecord) (canonical []byte, digest string, err error) {
	canonical, err = MarshalCanonical(rec.Details())
	if err != nil {
		return nil, "", fmt.Errorf("CycleDigest: failed to marshal: %w", err)
	}
	return canonical, hashWithDomain(DomainCycle, canonical), nil
}
