package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Hasher is a one-way salted password hash with a verify primitive.
type Hasher interface {
	// Hash returns the encoded hash and the salt it embeds.
	Hash(password string) (hash, salt string, err error)
	Verify(hash, password string) bool
}

// Bcrypt hashes with golang.org/x/crypto/bcrypt. A fresh random salt is
// generated for every call.
type Bcrypt struct {
	Cost int
}

func (b Bcrypt) cost() int {
	if b.Cost < bcrypt.MinCost || b.Cost > bcrypt.MaxCost {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

func (b Bcrypt) Hash(password string) (string, string, error) {
	if password == "" {
		return "", "", errors.New("password is required")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), b.cost())
	if err != nil {
		return "", "", err
	}
	return string(h), bcryptSalt(string(h)), nil
}

func (b Bcrypt) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// bcryptSalt extracts the 22 character salt from "$2a$10$<salt><hash>".
func bcryptSalt(h string) string {
	const prefix = len("$2a$10$")
	if len(h) < prefix+22 {
		return ""
	}
	return h[prefix : prefix+22]
}
