package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// SHA256 hashes data and returns the 32-byte digest.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Random returns n cryptographically random bytes. It fails if n is zero or
// the system CSPRNG is exhausted, matching the C1 contract in spec.md §4.1.
func Random(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errs.Input("crypto.Random", "requested %d random bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, errs.Internal("crypto.Random", "csprng read failed: %w", err)
	}
	return buf, nil
}
