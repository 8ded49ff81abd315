package tlsident

import (
	"crypto/hkdf"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ticketKeyInfo pins the HKDF derivation so the same seed always yields the
// same ticket key across processes and restarts.
const ticketKeyInfo = "httpcore session ticket key v1"

// TicketSeeds holds the rotating session-ticket seed schedule. Current seeds
// mint new tickets; previous and next seeds only decrypt, keeping tickets
// valid across a staged rotation. Seeds are hex strings so they can travel
// through config files and key-management systems as plain text.
type TicketSeeds struct {
	Current  []string
	Previous []string
	Next     []string
}

// IsZero reports whether no seeds are configured at all.
func (t TicketSeeds) IsZero() bool {
	return len(t.Current) == 0 && len(t.Previous) == 0 && len(t.Next) == 0
}

// Keys derives one 32-byte ticket key per seed, ordered current first so the
// first key is the minting key. Derivation is deterministic: a seed retained
// across a rotation keeps its tickets decryptable.
func (t TicketSeeds) Keys() ([][32]byte, error) {
	var keys [][32]byte
	for _, group := range [][]string{t.Current, t.Previous, t.Next} {
		for _, seed := range group {
			key, err := deriveTicketKey(seed)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("tlsident: ticket seeds configured but empty")
	}
	return keys, nil
}

func deriveTicketKey(seed string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(seed)
	if err != nil {
		return key, fmt.Errorf("tlsident: ticket seed is not hex: %w", err)
	}
	if len(raw) == 0 {
		return key, fmt.Errorf("tlsident: empty ticket seed")
	}
	derived, err := hkdf.Key(sha256.New, raw, nil, ticketKeyInfo, len(key))
	if err != nil {
		return key, fmt.Errorf("tlsident: derive ticket key: %w", err)
	}
	copy(key[:], derived)
	return key, nil
}
