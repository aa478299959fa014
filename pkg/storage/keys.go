package storage

import (
	"fmt"
)

// Key schema:
//
//   settle:<chain>:<type>:<key> → Record (JSON)

const prefixSettle = "settle:"

// recordKey returns the key for a settlement record
// Format: "settle:{chain}:{type}:{key}"
func recordKey(chain, typ, key string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixSettle, chain, typ, key))
}

// recordPrefix returns the prefix for all records of a chain and order type
// Format: "settle:{chain}:{type}:"
func recordPrefix(chain, typ string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixSettle, chain, typ))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
