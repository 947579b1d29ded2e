// Package hasher provides one-way hashing and constant-time comparison for
// passwords and refresh-token secrets.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes a secret and compares a candidate against a stored hash.
// Compare never reports an error: any malformed hash is simply a mismatch.
type Hasher interface {
	Hash(secret string) (string, error)
	Compare(hash, secret string) bool
}

// New returns the hasher named by algorithm.
func New(algorithm string, bcryptCost int) (Hasher, error) {
	switch algorithm {
	case "", "bcrypt":
		return NewBcrypt(bcryptCost)
	case "argon2id":
		return NewArgon2id(DefaultArgon2Params), nil
	default:
		return nil, fmt.Errorf("unsupported hasher: %s", algorithm)
	}
}

// Bcrypt hashes with golang.org/x/crypto/bcrypt.
type Bcrypt struct {
	cost int
}

func NewBcrypt(cost int) (*Bcrypt, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &Bcrypt{cost: cost}, nil
}

func (b *Bcrypt) Hash(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), b.cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b *Bcrypt) Compare(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// Token secrets are signed JWTs whose first 72 bytes (bcrypt's input limit)
// are identical for every token of a principal, so they are digested before
// reaching the hasher.
func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashToken hashes a refresh-token secret for storage.
func HashToken(h Hasher, token string) (string, error) {
	return h.Hash(digest(token))
}

// CompareToken reports whether token matches a hash produced by HashToken.
func CompareToken(h Hasher, hash, token string) bool {
	return h.Compare(hash, digest(token))
}
