package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent = "tarn/event/v1"
	DomainState = "tarn/state/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed ID of an event.
// The ID is stable across restarts and replays, and row order inside a
// batch does not affect it. The store uses it for idempotent appends.
func EventID(e Event) (string, error) {
	canonical, err := MarshalCanonical(e)
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// StateHash computes a digest of a full named state dump, as produced by
// flow.AsChanges. Replay uses it to compare two runs without holding both
// states in memory.
func StateHash(state []ViewChanges) (string, error) {
	changes := make([]EventChange, len(state))
	for i, vc := range state {
		changes[i] = EventChangeFrom(vc)
	}
	canonical, err := MarshalCanonical(changes)
	if err != nil {
		return "", fmt.Errorf("StateHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// MustEventID is like EventID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEventID(e Event) string {
	id, err := EventID(e)
	if err != nil {
		panic(err)
	}
	return id
}
