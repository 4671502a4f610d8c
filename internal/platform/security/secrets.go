package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	tokenBytes        = 32
	tempPasswordLen   = 16
	lowerAlphabet     = "abcdefghijkmnopqrstuvwxyz"
	upperAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	digitAlphabet     = "23456789"
	symbolAlphabet    = "!@#$%^&*-_=+?"
	passwordAlphabet  = lowerAlphabet + upperAlphabet + digitAlphabet + symbolAlphabet
	maxPasswordTrials = 32
)

// SecretSource issues one-time tokens and temporary passwords.
type SecretSource interface {
	Token() (string, error)
	TemporaryPassword() (string, error)
}

// RandomSource draws from a cryptographically secure reader.
type RandomSource struct {
	Reader io.Reader
}

// NewRandomSource returns a source backed by crypto/rand.
func NewRandomSource() *RandomSource {
	return &RandomSource{Reader: rand.Reader}
}

// Token returns 32 random bytes encoded as URL-safe base64.
func (s *RandomSource) Token() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.reader(), buf); err != nil {
		return "", fmt.Errorf("security: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TemporaryPassword returns a 16 character password containing every character class.
func (s *RandomSource) TemporaryPassword() (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < maxPasswordTrials; i++ {
		var b strings.Builder
		b.Grow(tempPasswordLen)
		for i := 0; i < tempPasswordLen; i++ {
			n, err := rand.Int(s.reader(), limit)
			if err != nil {
				return "", fmt.Errorf("security: read random: %w", err)
			}
			b.WriteByte(passwordAlphabet[n.Int64()])
		}
		pw := b.String()
		if strings.ContainsAny(pw, lowerAlphabet) && strings.ContainsAny(pw, upperAlphabet) &&
			strings.ContainsAny(pw, digitAlphabet) && strings.ContainsAny(pw, symbolAlphabet) {
			return pw, nil
		}
	}
	return "", errors.New("security: could not draw a temporary password")
}

func (s *RandomSource) reader() io.Reader {
	if s == nil || s.Reader == nil {
		return rand.Reader
	}
	return s.Reader
}

var _ SecretSource = (*RandomSource)(nil)
