package channeldb

import (
	"crypto/sha256"
	"fmt"
)

// maxHeight is the number of bits in the 48-bit commitment-number index
// space; an index and its trailing-zero count are both bounded by it, which
// bounds the store to at most maxHeight+1 retained hashes regardless of how
// many per-commitment secrets have been revealed (§8 property 5).
const maxHeight = 48

// revocationElement is one retained node of the compressed hash-chain:
// the secret itself, the index it was derived for, and the number of
// trailing zero bits in that index (equivalently, how many times it can be
// re-derived forward via SHA256 to reach descendant indexes).
type revocationElement struct {
	index  uint64
	height uint8
	secret [32]byte
}

// RevocationStore is the receiver side of the per-commitment secret chain
// (§3 "Revocation secret store"): it lets the node that receives secrets
// reconstruct any previously-revealed one in O(log n) storage, grounded on
// the teacher's `elkrem` hash-tree serialization idiom and generalized to
// the 48-bit commitment-number index space BOLT 2 specifies.
//
// Construction rule: index i's secret, when derivable, can regenerate the
// secret for any index j > i that shares i's bit prefix up to i's trailing
// zero count. Inserting a new secret therefore only needs to retain the
// nodes that aren't derivable from it, which caps storage at maxHeight+1.
type RevocationStore struct {
	nodes []revocationElement
}

// NewRevocationStore returns an empty store, ready to receive secrets in
// strictly decreasing index order (index 2^48-1, 2^48-2, ... as commitment
// numbers increase from 0).
func NewRevocationStore() *RevocationStore {
	return &RevocationStore{}
}

func trailingZeros(index uint64) uint8 {
	if index == 0 {
		return maxHeight
	}
	var n uint8
	for index&1 == 0 && n < maxHeight {
		index >>= 1
		n++
	}
	return n
}

// deriveChild walks 'secret' forward to the descendant index 'to' by
// flipping, one at a time, each bit that differs between 'from' and 'to'
// below 'from's trailing-zero count, hashing the secret at each step. This
// mirrors the teacher's elkrem descent exactly, re-expressed for the BOLT
// per-commitment-secret derivation (flip-bit-then-SHA256, rather than
// elkrem's index-prefixed scheme).
func deriveChild(secret [32]byte, from uint64, fromHeight uint8, to uint64) ([32]byte, error) {
	for h := int(fromHeight) - 1; h >= 0; h-- {
		bit := uint64(1) << uint(h)
		if to&bit == 0 {
			continue
		}
		if from&bit != 0 {
			return [32]byte{}, fmt.Errorf("channeldb: index %d is not "+
				"a descendant of %d", to, from)
		}
		secret[h/8] ^= 1 << uint(h%8)
		secret = sha256.Sum256(secret[:])
	}
	return secret, nil
}

// Insert adds the secret revealed for 'index', after pruning any retained
// node the new secret makes derivable. It returns an error if the secret
// doesn't hash-chain consistently with an already-stored ancestor, which
// would indicate a misbehaving or buggy counterparty.
func (s *RevocationStore) Insert(index uint64, secret [32]byte) error {
	height := trailingZeros(index)

	// Any stored node that 'index' is an ancestor-in-the-derivation-sense
	// of must be re-derivable from this secret; verify and drop it.
	kept := s.nodes[:0]
	for _, n := range s.nodes {
		if isDescendant(index, height, n.index) {
			got, err := deriveChild(secret, index, height, n.index)
			if err != nil {
				return err
			}
			if got != n.secret {
				return fmt.Errorf("channeldb: revoked secret for "+
					"index %d does not hash-chain to already "+
					"stored secret at index %d", index, n.index)
			}
			continue
		}
		kept = append(kept, n)
	}
	s.nodes = append(kept, revocationElement{index: index, height: height, secret: secret})

	return nil
}

// isDescendant reports whether 'child' can be derived from the node stored
// at ('index', 'height'): every bit of 'child' below 'height' must be
// reachable by flipping bits of 'index', meaning their bits above 'height'
// are identical.
func isDescendant(index uint64, height uint8, child uint64) bool {
	if child == index {
		return false
	}
	mask := ^uint64(0) << uint(height)
	return index&mask == child&mask
}

// LookUp reconstructs the secret for 'index', or reports ok=false if it
// has not been revealed (or lies outside the derivable set given what has
// been revealed so far).
func (s *RevocationStore) LookUp(index uint64) (secret [32]byte, ok bool) {
	for _, n := range s.nodes {
		if n.index == index {
			return n.secret, true
		}
		if isDescendant(n.index, n.height, index) {
			derived, err := deriveChild(n.secret, n.index, n.height, index)
			if err != nil {
				continue
			}
			return derived, true
		}
	}
	return [32]byte{}, false
}

// Size returns the number of hashes currently retained, which is bounded by
// maxHeight+1 regardless of how many secrets have been inserted.
func (s *RevocationStore) Size() int {
	return len(s.nodes)
}
