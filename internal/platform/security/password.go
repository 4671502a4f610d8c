// Package security holds the password hashing, secret generation and token
// signing primitives used by the identity services.
package security

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"
)

// MaxPasswordBytes is the bcrypt input limit.
const MaxPasswordBytes = 72

// PasswordHasher defines the hashing primitive so the algorithm can be swapped.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
	// VerifyDummy spends the same work as Verify against a fixed hash so that
	// unknown accounts take as long to reject as wrong passwords.
	VerifyDummy(password string)
}

// BcryptHasher implementation.
type BcryptHasher struct {
	Cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewBcryptHasher returns a hasher using cost, or bcrypt.DefaultCost when cost is out of range.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

// Hash returns the bcrypt hash of the NFKC normalised password.
func (b *BcryptHasher) Hash(password string) (string, error) {
	normalized := NormalizePassword(password)
	if len(normalized) > MaxPasswordBytes {
		return "", errors.New("security: password exceeds 72 bytes")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(normalized), b.cost())
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Verify compares in constant time via bcrypt.
func (b *BcryptHasher) Verify(hash, password string) bool {
	if hash == "" {
		b.VerifyDummy(password)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(NormalizePassword(password))) == nil
}

// VerifyDummy burns one bcrypt comparison.
func (b *BcryptHasher) VerifyDummy(password string) {
	b.dummyOnce.Do(func() {
		b.dummy, _ = bcrypt.GenerateFromPassword([]byte("odyssey-dummy-password"), b.cost())
	})
	_ = bcrypt.CompareHashAndPassword(b.dummy, []byte(NormalizePassword(password)))
}

func (b *BcryptHasher) cost() int {
	if b.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

// NormalizePassword applies NFKC so visually identical input hashes identically.
func NormalizePassword(password string) string {
	return norm.NFKC.String(password)
}

var _ PasswordHasher = (*BcryptHasher)(nil)
