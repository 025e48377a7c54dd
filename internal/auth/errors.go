package auth

import "errors"

// ErrTokenInvalid is returned when a bearer token fails verification for
// any reason: tampered signature, wrong signing key (master secret
// changed), malformed structure, or a missing account binding.
var ErrTokenInvalid = errors.New("invalid token")

// ErrBadSignature is returned when an Ed25519 challenge signature does not
// verify against the presented public key.
var ErrBadSignature = errors.New("signature verification failed")

// ErrBadPublicKey is returned when a presented public key is not a valid
// 32-byte Ed25519 key.
var ErrBadPublicKey = errors.New("invalid public key")
