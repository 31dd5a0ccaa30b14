package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// canonicalize re-encodes a JSON document in canonical form: object keys
// sorted recursively, insignificant whitespace dropped. Two documents with
// the same underlying facts canonicalize to equal bytes regardless of key
// order.
func canonicalize(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	// encoding/json marshals map keys in sorted order.
	return json.Marshal(v)
}

// stateHasher computes canonical hashes of state snapshots, memoized with
// an LRU keyed on the raw bytes so repeated identical snapshots (the common
// steady-state case) hash once.
type stateHasher struct {
	cache *lru.Cache[string, string]
}

func newStateHasher(size int) *stateHasher {
	if size <= 0 {
		size = 1024
	}
	c, _ := lru.New[string, string](size)
	return &stateHasher{cache: c}
}

// Hash returns the hex SHA-256 of the canonical form of raw, or an error
// if raw is not valid JSON.
func (h *stateHasher) Hash(raw json.RawMessage) (string, error) {
	key := string(raw)
	if v, ok := h.cache.Get(key); ok {
		return v, nil
	}
	canon, err := canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	out := hex.EncodeToString(sum[:])
	h.cache.Add(key, out)
	return out, nil
}
