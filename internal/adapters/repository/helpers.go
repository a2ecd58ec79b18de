package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// timeFormat is the DATETIME column format used by both backends.
const timeFormat = "2006-01-02 15:04:05"

// advisoryLockKey derives the advisory lock name for an identity. The hash
// keeps the key within MySQL's 64-character lock name limit regardless of
// identity length.
func advisoryLockKey(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return "mailflow:" + hex.EncodeToString(sum[:8])
}

// joinAddrs flattens an address list into a single column value.
func joinAddrs(addrs []string) string {
	return strings.Join(addrs, ",")
}

// splitAddrs reverses joinAddrs.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
