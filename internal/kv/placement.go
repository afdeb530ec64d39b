/*
Summary:
Pure key placement. Responsible hashes a key with SHA-256, interprets the
full 256-bit digest as an unsigned integer, and walks the configured node
list starting at the index that digest lands on modulo the node count,
returning the primary followed by its replicas.
*/

package kv

import (
	"crypto/sha256"
	"math/big"
)

// Responsible maps key to an ordered list of responsible node identities:
// element 0 is the primary, the rest are replicas. It is a pure function of
// key and nodes — independent of liveness — so two calls with the same
// arguments always agree. The whole digest is reduced modulo the node count
// (not just a truncated prefix of it), matching the reference placement's
// full-width hash modulo.
func Responsible(nodes []int, key string, replicationFactor int) []int {
	digest := sha256.Sum256([]byte(key))
	h := new(big.Int).SetBytes(digest[:])
	n := len(nodes)
	start := int(new(big.Int).Mod(h, big.NewInt(int64(n))).Int64())

	out := make([]int, replicationFactor)
	for i := 0; i < replicationFactor; i++ {
		out[i] = nodes[(start+i)%n]
	}
	return out
}

func containsNode(nodes []int, id int) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}
