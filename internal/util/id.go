package util

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 24-character lowercase base32 ID, safe in URLs and file
// names.
func NewID() string {
	b := make([]byte, 15)
	_, _ = rand.Read(b)
	return strings.ToLower(idEncoding.EncodeToString(b))
}

// NewPrefixedID returns prefix + "_" + NewID().
func NewPrefixedID(prefix string) string {
	return prefix + "_" + NewID()
}
