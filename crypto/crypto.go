// Package crypto implements the message-level cryptography of the
// AgentMesh security core: Ed25519 key generation, deterministic payload
// canonicalization, signing and verification, nonce generation, and
// hashing for key fingerprints and log checksums.
//
// Confidentiality is out of scope; this package provides authenticity
// and integrity only.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentmesh/types"
)

// Key and signature encoding errors.
var (
	// ErrInvalidPrivateKey indicates the private key is not a valid
	// base64-encoded Ed25519 private key.
	ErrInvalidPrivateKey = errors.New("crypto: invalid private key")
	// ErrInvalidPublicKey indicates the public key is not a valid
	// base64-encoded Ed25519 public key.
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
)

const (
	// NonceLength is the length in hex characters of generated nonces.
	NonceLength = 32

	// DefaultMaxMessageAge is the default freshness window applied by
	// VerifySignedMessage when none is configured.
	DefaultMaxMessageAge = 5 * time.Minute
)

// KeyPair holds an Ed25519 signing key pair as opaque base64 strings.
// The private key never leaves the owning agent's process.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"-"`
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}, nil
}

// DecodePublicKey validates and decodes a base64-encoded Ed25519 public key.
func DecodePublicKey(publicKeyB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// DecodePrivateKey validates and decodes a base64-encoded Ed25519 private key.
func DecodePrivateKey(privateKeyB64 string) (ed25519.PrivateKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPrivateKey)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPrivateKey, ed25519.PrivateKeySize, len(decoded))
	}
	return ed25519.PrivateKey(decoded), nil
}

// PublicKeyFromPrivate derives the base64 public key from a base64
// private key.
func PublicKeyFromPrivate(privateKeyB64 string) (string, error) {
	priv, err := DecodePrivateKey(privateKeyB64)
	if err != nil {
		return "", err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub), nil
}

// Sign signs the canonicalized form of payload with the given private key
// and returns a base64-encoded signature.
func Sign(payload any, privateKeyB64 string) (string, error) {
	priv, err := DecodePrivateKey(privateKeyB64)
	if err != nil {
		return "", err
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	sig := ed25519.Sign(priv, []byte(canonical))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid signature over the
// canonicalized form of payload. It never returns an error: malformed
// keys, signatures or payloads all yield false.
func Verify(payload any, signatureB64, publicKeyB64 string) bool {
	pub, err := DecodePublicKey(publicKeyB64)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(canonical), sig)
}

// GenerateNonce returns a fixed-length cryptographically secure random
// hex token.
func GenerateNonce() (string, error) {
	buf := make([]byte, NonceLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Hash returns the hex-encoded SHA-256 digest of value. Used for key
// fingerprints and audit log checksums.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the fingerprint of a public key.
func Fingerprint(publicKeyB64 string) string {
	return Hash(publicKeyB64)
}

// NewSignedMessage builds a MessagePayload stamped with the current time
// and a fresh nonce, signs it, and returns the SignedMessage.
func NewSignedMessage(from, to string, msgType types.MessageType, payload []byte, privateKeyB64 string, clock types.Clock) (*types.SignedMessage, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	msg := types.MessagePayload{
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		Timestamp: clock.Now().UnixMilli(),
		Nonce:     nonce,
	}
	sig, err := Sign(msg, privateKeyB64)
	if err != nil {
		return nil, err
	}
	return &types.SignedMessage{MessagePayload: msg, Signature: sig}, nil
}

// VerifyOptions controls VerifySignedMessage.
type VerifyOptions struct {
	// MaxAge is the freshness window; zero means DefaultMaxMessageAge.
	MaxAge time.Duration
	// VerifyTimestamp enables the freshness check.
	VerifyTimestamp bool
	// Now is the reference time for the freshness check.
	Now time.Time
}

// VerifyResult is the outcome of VerifySignedMessage.
type VerifyResult struct {
	Valid bool
	Code  types.ErrorCode
}

// VerifySignedMessage runs the composite message check: freshness first
// (to fail fast on stale replays before paying for signature
// verification), then the signature over the reconstructed payload.
func VerifySignedMessage(msg *types.SignedMessage, publicKeyB64 string, opts VerifyOptions) VerifyResult {
	if opts.VerifyTimestamp {
		maxAge := opts.MaxAge
		if maxAge <= 0 {
			maxAge = DefaultMaxMessageAge
		}
		age := opts.Now.UnixMilli() - msg.Timestamp
		if age < 0 {
			age = -age
		}
		if age > maxAge.Milliseconds() {
			return VerifyResult{Valid: false, Code: types.ErrCodeMessageExpired}
		}
	}
	if !Verify(msg.MessagePayload, msg.Signature, publicKeyB64) {
		return VerifyResult{Valid: false, Code: types.ErrCodeInvalidSignature}
	}
	return VerifyResult{Valid: true}
}
