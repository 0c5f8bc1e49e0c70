// Package crypto provides the password digest primitives for folderlock.
//
// Passwords are never stored. A locked folder keeps only a bcrypt digest,
// produced with a random per-digest salt and a configurable cost factor.
//
// # Security Features
//
//   - bcrypt with a default cost of 12 (2^12 rounds)
//   - Unicode NFC normalisation of the plaintext before hashing
//   - Structural digest validation separate from password mismatch
//   - Secure memory wiping for password buffers
//
// # Example Usage
//
//	codec, _ := crypto.NewBcryptCodec(crypto.DefaultCost)
//	digest, err := codec.Hash("correct horse battery staple")
//
//	ok, err := codec.Verify("correct horse battery staple", digest)
//
//	// Securely wipe sensitive data
//	crypto.SecureWipe(buf)
package crypto

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

// bcrypt parameters.
const (
	// DefaultCost is the bcrypt cost used when none is configured.
	DefaultCost = 12

	// MinRecommendedCost is the lowest cost accepted from user configuration.
	MinRecommendedCost = 10

	// MaxPasswordBytes is the bcrypt input limit.
	MaxPasswordBytes = 72
)

// Sentinel errors returned by crypto functions.
var (
	// ErrEmptyPassword indicates an empty plaintext was given to Hash.
	ErrEmptyPassword = errors.New("crypto: password is empty")

	// ErrPasswordTooLong indicates the normalised plaintext exceeds 72 bytes.
	ErrPasswordTooLong = errors.New("crypto: password exceeds 72 bytes")

	// ErrInvalidCost indicates a bcrypt cost outside the supported range.
	ErrInvalidCost = errors.New("crypto: invalid bcrypt cost")

	// ErrMalformedDigest indicates the stored digest is not a bcrypt hash.
	ErrMalformedDigest = errors.New("crypto: malformed password digest")
)

// Codec hashes passwords into storable digests and verifies candidates
// against them.
type Codec interface {
	// Hash returns a salted digest of plaintext. Two calls with the same
	// plaintext return different digests.
	Hash(plaintext string) (string, error)

	// Verify reports whether plaintext matches digest. A wrong password is
	// (false, nil); an error means the digest itself is unusable.
	Verify(plaintext, digest string) (bool, error)
}

// BcryptCodec implements Codec with bcrypt.
type BcryptCodec struct {
	cost int
}

// NewBcryptCodec returns a codec using the given cost.
func NewBcryptCodec(cost int) (*BcryptCodec, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("%w: %d (must be %d-%d)", ErrInvalidCost, cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &BcryptCodec{cost: cost}, nil
}

// Cost returns the configured bcrypt cost.
func (c *BcryptCodec) Cost() int {
	return c.cost
}

// Hash implements Codec.
func (c *BcryptCodec) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPassword
	}
	normalized := normalize(plaintext)
	defer SecureWipe(normalized)
	if len(normalized) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}

	digest, err := bcrypt.GenerateFromPassword(normalized, c.cost)
	if err != nil {
		return "", fmt.Errorf("crypto: failed to hash password: %w", err)
	}
	return string(digest), nil
}

// Verify implements Codec.
func (c *BcryptCodec) Verify(plaintext, digest string) (bool, error) {
	// Cost parses the prefix, cost and length without running the hash.
	if _, err := bcrypt.Cost([]byte(digest)); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}

	normalized := normalize(plaintext)
	defer SecureWipe(normalized)

	err := bcrypt.CompareHashAndPassword([]byte(digest), normalized)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}
}

func normalize(plaintext string) []byte {
	return norm.NFC.Bytes([]byte(plaintext))
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
