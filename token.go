package magiclink

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// tokenAlphabet is base58: URL-safe and free of 0/O and I/l look-alikes.
const tokenAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var alphabetSize = big.NewInt(int64(len(tokenAlphabet)))

// maxSecretLen is bcrypt's input limit; longer input is never a valid secret.
const maxSecretLen = 72

// TokenCodec generates secrets and computes/verifies their stored forms.
// It's safe to use concurrently.
type TokenCodec struct {
	tokenBytes int
	secretLen  int
	cost       int
	dummyHash  []byte
}

// NewTokenCodec rejects tokenBytes outside [MinTokenBytes, MaxTokenBytes]
// and costs outside the bcrypt range.
func NewTokenCodec(tokenBytes, cost int) (*TokenCodec, error) {
	if err := validateTokenBytes(tokenBytes); err != nil {
		return nil, err
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, invalid(ErrInvalidConfig, "hash_cost", "out of bcrypt range")
	}
	c := &TokenCodec{
		tokenBytes: tokenBytes,
		secretLen:  secretLength(tokenBytes),
		cost:       cost,
	}
	// Compared against when no candidate exists, so every Consume pays for
	// exactly one bcrypt comparison.
	_, hash, err := c.Generate()
	if err != nil {
		return nil, err
	}
	c.dummyHash = []byte(hash)
	return c, nil
}

func validateTokenBytes(n int) error {
	if n < MinTokenBytes {
		return invalid(ErrInvalidConfig, "token_bytes", "must be at least 32 bytes")
	}
	if n > MaxTokenBytes {
		return invalid(ErrInvalidConfig, "token_bytes", "must not exceed 52 bytes")
	}
	return nil
}

// secretLength is the number of base58 characters carrying n bytes of entropy.
func secretLength(n int) int {
	return int(math.Ceil(float64(n*8) / math.Log2(float64(len(tokenAlphabet)))))
}

// SecretLength returns the length of generated secrets.
func (c *TokenCodec) SecretLength() int { return c.secretLen }

// Generate returns a fresh secret and its salted bcrypt hash.
func (c *TokenCodec) Generate() (secret, hash string, err error) {
	secret, err = randomString(c.secretLen)
	if err != nil {
		return "", "", err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), c.cost)
	if err != nil {
		return "", "", err
	}
	return secret, string(h), nil
}

// Verify reports whether secret matches hash. The comparison is bcrypt's own
// constant-time check; malformed input still pays for one comparison.
func (c *TokenCodec) Verify(secret, hash string) bool {
	if !wellFormed(secret) {
		c.burn(secret)
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if err != nil && !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		// Corrupt stored hash returns early; spend a real comparison anyway.
		c.burn(secret)
	}
	return err == nil
}

// burn performs a comparison whose result is discarded.
func (c *TokenCodec) burn(secret string) {
	if len(secret) > maxSecretLen {
		secret = secret[:maxSecretLen]
	}
	_ = bcrypt.CompareHashAndPassword(c.dummyHash, []byte(secret))
}

// LookupHash is the fast index digest: hex(sha256(secret)). It narrows
// candidates only; acceptance always goes through Verify.
func LookupHash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// TruncateToken returns a loggable prefix of a token.
func TruncateToken(token string) string {
	const keep = 8
	if len(token) <= keep {
		return strings.Repeat("*", len(token)) + "..."
	}
	return token[:keep] + "..."
}

func wellFormed(secret string) bool {
	if secret == "" || len(secret) > maxSecretLen {
		return false
	}
	for i := 0; i < len(secret); i++ {
		if strings.IndexByte(tokenAlphabet, secret[i]) < 0 {
			return false
		}
	}
	return true
}

func randomString(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, alphabetSize) // uniform in [0,58)
		if err != nil {
			return "", err
		}
		b.WriteByte(tokenAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
