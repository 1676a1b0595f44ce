package analytics

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
)

// ErrBadToken is returned for tokens that fail decoding or authentication.
var ErrBadToken = errors.New("analytics: invalid tracking token")

// TokenPayload is the correlation data carried inside a tracking token.
type TokenPayload struct {
	Type       domain.TrackingEventType `json:"t"`
	EmailLogID string                   `json:"l"`
	CampaignID string                   `json:"c"`
	UserID     string                   `json:"u"`
	URL        string                   `json:"r,omitempty"`
}

// TokenCodec seals tracking payloads into opaque URL-safe tokens using
// AES-256-GCM. The key is derived from the configured secret; every token
// gets a fresh random nonce, prefixed to the ciphertext.
type TokenCodec struct {
	aead cipher.AEAD
}

// NewTokenCodec derives the cipher key as SHA-256(secret).
func NewTokenCodec(secret string) (*TokenCodec, error) {
	if secret == "" {
		return nil, errors.New("analytics: tracking secret is required")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &TokenCodec{aead: aead}, nil
}

// Encode seals the payload into base64url(nonce || ciphertext).
func (c *TokenCodec) Encode(p *TokenPayload) (string, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens a token back into its payload. Tampered or truncated
// tokens return ErrBadToken.
func (c *TokenCodec) Decode(token string) (*TokenPayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return nil, ErrBadToken
	}
	plaintext, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	var p TokenPayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	return &p, nil
}
