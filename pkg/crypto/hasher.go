package crypto

import (
	"github.com/constitutional-ledger/core/pkg/canonical"
)

// Hasher provides deterministic hashing for ledger artifacts other than
// events themselves (dead-letter records, gap records).
type Hasher interface {
	Hash(v interface{}) (string, error)
}

// CanonicalHasher delegates to pkg/canonical's RFC 8785 serializer.
type CanonicalHasher struct{}

func NewCanonicalHasher() *CanonicalHasher {
	return &CanonicalHasher{}
}

func (h *CanonicalHasher) Hash(v interface{}) (string, error) {
	return canonical.MarshalHash(v)
}
