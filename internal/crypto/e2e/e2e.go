// Package e2e contains client-side primitives for end-to-end encrypted
// message bodies. The relay never sees the key; it forwards the resulting
// encryptedContent and iv fields untouched.
package e2e

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeyLen = 32

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// DefaultSalt is mixed into passphrase derivation when peers agree on no other salt.
var DefaultSalt = []byte("gophrelay/e2e/v1")

// ErrMalformed is returned for ciphertext or iv that is not valid base64 or has the wrong size.
var ErrMalformed = errors.New("e2e: malformed ciphertext")

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKey derives a shared root key from passphrase and salt using Argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// ConversationKey derives the key for the pair (a, b) via HKDF-SHA256.
// The result is the same regardless of argument order.
func ConversationKey(root []byte, a, b string) ([]byte, error) {
	if a > b {
		a, b = b, a
	}
	r := hkdf.New(sha256.New, root, nil, pairInfo(a, b))
	key := make([]byte, KeyLen)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext from sender to recipient with a random nonce.
// It returns base64 ciphertext and base64 iv, ready for the wire.
func Seal(key []byte, senderID, recipientID string, plaintext []byte) (ciphertext, iv string, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", "", err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return "", "", err
	}
	ct := aead.Seal(nil, nonce, plaintext, pairInfo(senderID, recipientID))
	enc := base64.StdEncoding
	return enc.EncodeToString(ct), enc.EncodeToString(nonce), nil
}

// Open decrypts a message produced by Seal with the same sender and recipient.
func Open(key []byte, senderID, recipientID, ciphertext, iv string) ([]byte, error) {
	enc := base64.StdEncoding
	nonce, err := enc.DecodeString(iv)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: iv", ErrMalformed)
	}
	ct, err := enc.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: body", ErrMalformed)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ct, pairInfo(senderID, recipientID))
}

// pairInfo is a length-prefixed encoding so ("ab","c") and ("a","bc") differ.
func pairInfo(a, b string) []byte {
	out := make([]byte, 0, len(a)+len(b)+2)
	out = append(out, byte(len(a)))
	out = append(out, a...)
	out = append(out, byte(len(b)))
	out = append(out, b...)
	return out
}
