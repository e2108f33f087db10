package hash

import (
	gohash "hash"

	"github.com/zeebo/blake3"
)

// NewBLAKE3 is the alternate digest algorithm selectable via configuration
// (see internal/config). Like NewSHA256 it must never be mixed with another
// algorithm against the same stash/cache root - see the design notes.
func NewBLAKE3() gohash.Hash {
	return blake3.New()
}
