// Package email normalizes subscriber addresses and derives the stable
// subscriber identifier stored as the record's partition key.
package email

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize canonicalizes an address for identity purposes. Two submissions of
// the same mailbox must map to the same subscriber ID, so comparison is
// case-insensitive and ignores surrounding whitespace.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// DeriveSubscriberID maps a normalized address to an opaque stable identifier.
// The raw address never appears in record keys or confirmation links.
func DeriveSubscriberID(address string) string {
	sum := sha256.Sum256([]byte(Normalize(address)))
	return hex.EncodeToString(sum[:])
}
