package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random identifier, optionally prefixed ("req-<uuid>").
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Valid reports whether a caller-supplied id is safe to echo back in headers
// and logs.
func Valid(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool {
		return r < 0x21 || r > 0x7e
	})
}
