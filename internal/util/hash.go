package util

import (
	"fmt"
	"hash/fnv"
)

// FNV64 hashes s with 64-bit FNV-1a and returns a hex string.
// Used to derive storage-safe identity keys from bearer-token material
// so raw token bytes never appear in Redis keys.
func FNV64(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum64())
}
