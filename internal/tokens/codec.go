// Package tokens issues and opens opaque video access tokens.
//
// A token is base64url(version || nonce || ciphertext || tag). The plaintext is a JSON
// subset of the video descriptor, sealed with AES-256-GCM under a key derived from a
// server passphrase. Decryption fails closed: every failure is ErrInvalidOrTamperedToken.
package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/aura-classroom/backend/internal/models"
)

// ErrInvalidOrTamperedToken is returned for any decrypt failure.
var ErrInvalidOrTamperedToken = errors.New("invalid or tampered token")

const (
	version1  byte = 1
	keySize        = 32
	nonceSize      = 12
	tagSize        = 16
	hkdfInfo       = "video-access-token/v1"
)

var encoding = base64.RawURLEncoding.Strict()

// Payload is what a token carries.
type Payload struct {
	VideoID     string            `json:"vid"`
	SourceKind  models.SourceKind `json:"src"`
	LocationURI string            `json:"loc"`
	IssuedAt    time.Time         `json:"iat"`
}

// Codec seals and opens access tokens. Safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
	rand io.Reader
	now  func() time.Time
}

// NewCodec derives the AEAD key from passphrase.
func NewCodec(passphrase string) (*Codec, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("tokens: empty passphrase")
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("tokens: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tokens: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokens: gcm: %w", err)
	}
	return &Codec{aead: aead, rand: rand.Reader, now: time.Now}, nil
}

// Encrypt issues a token for the descriptor's playable location.
func (c *Codec) Encrypt(d models.VideoDescriptor) (string, error) {
	return c.seal(Payload{
		VideoID:     d.VideoID,
		SourceKind:  d.SourceKind,
		LocationURI: d.LocationURI,
		IssuedAt:    c.now().UTC().Truncate(time.Second),
	})
}

// Reissue mints a fresh token for an already opened payload.
func (c *Codec) Reissue(p Payload) (string, error) {
	p.IssuedAt = c.now().UTC().Truncate(time.Second)
	return c.seal(p)
}

func (c *Codec) seal(p Payload) (string, error) {
	if !p.SourceKind.Valid() || p.LocationURI == "" {
		return "", fmt.Errorf("tokens: descriptor has no playable location")
	}
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("tokens: marshal: %w", err)
	}
	buf := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+tagSize)
	buf[0] = version1
	if _, err := io.ReadFull(c.rand, buf[1:]); err != nil {
		return "", fmt.Errorf("tokens: nonce: %w", err)
	}
	out := c.aead.Seal(buf, buf[1:1+nonceSize], plaintext, buf[:1])
	return encoding.EncodeToString(out), nil
}

// Decrypt opens a token. The tag is verified before any plaintext is parsed.
func (c *Codec) Decrypt(token string) (Payload, error) {
	raw, err := encoding.DecodeString(token)
	if err != nil || len(raw) < 1+nonceSize+tagSize || raw[0] != version1 {
		return Payload{}, ErrInvalidOrTamperedToken
	}
	plaintext, err := c.aead.Open(nil, raw[1:1+nonceSize], raw[1+nonceSize:], raw[:1])
	if err != nil {
		return Payload{}, ErrInvalidOrTamperedToken
	}
	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return Payload{}, ErrInvalidOrTamperedToken
	}
	if !p.SourceKind.Valid() || p.LocationURI == "" || p.IssuedAt.IsZero() {
		return Payload{}, ErrInvalidOrTamperedToken
	}
	return p, nil
}

// Stale reports whether the token behind p is older than maxAge. Zero maxAge never goes stale.
func (c *Codec) Stale(p Payload, maxAge time.Duration) bool {
	return maxAge > 0 && c.now().Sub(p.IssuedAt) > maxAge
}
