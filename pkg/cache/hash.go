package cache

import (
	"github.com/zeebo/blake3"

	"github.com/cuemby/vfhost/pkg/types"
)

// codeDomainKey separates code hashes from any other BLAKE3 use of the
// same bytes. Changing it invalidates every cache key.
var codeDomainKey = [32]byte{
	'v', 'f', 'h', 'o', 's', 't', '.', 'c', 'a', 'c', 'h', 'e', '.', 'c', 'o', 'd',
	'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashCode returns the content hash of validation function source bytes,
// as submitted (before any decompression).
func HashCode(code []byte) types.CodeHash {
	hasher, err := blake3.NewKeyed(codeDomainKey[:])
	if err != nil {
		panic("cache: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(code)

	var h types.CodeHash
	copy(h[:], hasher.Sum(nil))
	return h
}

// Handle returns the cache handle of code compiled under version.
func Handle(code []byte, version string) types.ArtifactHandle {
	return types.ArtifactHandle{CodeHash: HashCode(code), Version: version}
}
