// Package auth mints and checks session tokens.
//
// Tokens are bearer secrets. They are not bound to the socket that
// presents them.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Minter derives tokens from a per-process random key, so tokens from a
// previous run never validate.
type Minter struct {
	key     []byte
	counter atomic.Uint64
	now     func() time.Time
}

func NewMinter() (*Minter, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("auth: seed minter: %w", err)
	}
	return &Minter{key: key, now: time.Now}, nil
}

// Mint returns a hex token for sessionID. addition is caller supplied
// context such as the remote address.
func (m *Minter) Mint(sessionID string, addition string) (string, error) {
	h, err := blake2b.New256(m.key)
	if err != nil {
		return "", err
	}
	var scratch [16]byte
	binary.BigEndian.PutUint64(scratch[:8], uint64(m.now().UnixNano()))
	binary.BigEndian.PutUint64(scratch[8:], m.counter.Add(1))
	h.Write(scratch[:])
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(addition))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify compares a presented token with the expected one in constant time.
func Verify(expected, presented string) error {
	if expected == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
