// Package idgen centralizes identifier and content-digest generation so
// every component derives ids and hashes the same way.
package idgen

import (
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// New returns a fresh globally-unique identifier, optionally prefixed
// (e.g. "wf", "inst", "msg") for readability in logs.
func New(prefix string) string {
	id := uuid.New().String()
	if prefix == "" {
		return id
	}
	return fmt.Sprintf("%s-%s", prefix, id)
}

// ContentHash returns a stable hex digest of the given bytes. It is used
// for registry dedup fingerprints, evidence hash-chain links, and POP
// payload hashes. xxhash is non-cryptographic by design: every use here
// is for content-addressing and tamper-evidence within a trusted process,
// not for adversarial integrity guarantees.
func ContentHash(data []byte) string {
	sum := xxhash.Sum64(data)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:])
}

// ChainHash combines a previous hash with a new record's bytes, producing
// the next link in a hash chain.
func ChainHash(previousHash string, data []byte) string {
	combined := make([]byte, 0, len(previousHash)+len(data))
	combined = append(combined, []byte(previousHash)...)
	combined = append(combined, data...)
	return ContentHash(combined)
}
