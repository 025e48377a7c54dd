package auth

import (
	"crypto/ed25519"
	"encoding/hex"
)

// VerifyChallenge checks that signature is a valid Ed25519 signature of
// challenge by publicKey. The key must be exactly 32 bytes.
func VerifyChallenge(publicKey, challenge, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrBadPublicKey
	}
	if len(signature) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), challenge, signature) {
		return ErrBadSignature
	}
	return nil
}

// PublicKeyID returns the canonical account key for a raw public key:
// lowercase hex of the 32 key bytes. Accounts and pairing requests are
// both indexed by this form.
func PublicKeyID(publicKey []byte) string {
	return hex.EncodeToString(publicKey)
}
