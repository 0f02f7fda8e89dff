package digest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte keyed BLAKE3 digest. It is used both for the content of
// a single file (a FileDigest) and for the accumulated hash of one input
// member.
type Hash [32]byte

// FileDigest is the content hash of one concrete file. It has no timestamp
// or size component.
type FileDigest = Hash

type domainKey [32]byte

// Domain keys keep file-content hashes and member accumulator hashes in
// separate spaces. Changing either value invalidates every persisted state.
var (
	contentDomainKey = domainKey{
		'b', 'u', 'i', 'l', 'd', 'g', 'u', 'a', 'r', 'd', '.', 'c', 'o', 'n', 't', 'e',
		'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	memberDomainKey = domainKey{
		'b', 'u', 'i', 'l', 'd', 'g', 'u', 'a', 'r', 'd', '.', 'm', 'e', 'm', 'b', 'e',
		'r', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

func newHasher(key domainKey) *blake3.Hasher {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

func sum(h *blake3.Hasher) Hash {
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashReader streams r through the content hash.
func HashReader(r io.Reader) (Hash, error) {
	h := newHasher(contentDomainKey)
	if _, err := io.Copy(h, r); err != nil {
		return Hash{}, err
	}
	return sum(h), nil
}

// HashBytes returns the content hash of data.
func HashBytes(data []byte) Hash {
	h := newHasher(contentDomainKey)
	h.Write(data)
	return sum(h)
}

// HashString returns the content hash of the UTF-8 bytes of s.
func HashString(s string) Hash {
	return HashBytes([]byte(s))
}

// HashFile computes the content hash of the file at path, streaming it so
// memory use does not depend on file size.
func HashFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h, err := HashReader(f)
	if err != nil {
		return Hash{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return h, nil
}

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a 64-character hex string produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != len(h) {
		return h, fmt.Errorf("hash is %d bytes, want %d", len(decoded), len(h))
	}
	copy(h[:], decoded)
	return h, nil
}
