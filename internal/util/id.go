// Package util holds small helpers shared across packages.
package util

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lowercase ULID, prefixed as "<prefix>_" when prefix is set.
// IDs minted by one process sort by creation order.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
