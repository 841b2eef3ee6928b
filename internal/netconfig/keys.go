// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

package netconfig

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// generateKeyPair generates a new WireGuard key pair. This is the
// low-level key-pair generation collaborator named in §1/§6, grounded
// directly on the teacher's own curve25519-based generator rather than
// on the kernel-control library (wgctrl is reserved for querying live
// device state, not for producing keys).
func generateKeyPair() (privateKey, publicKey string, err error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return "", "", fmt.Errorf("generate private key: %w", err)
	}
	clamp(priv)

	pub, err := x25519PublicKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("derive public key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(priv), base64.StdEncoding.EncodeToString(pub), nil
}

// derivePublicKey recovers the public key for an existing private key,
// used when an existing local config file is loaded.
func derivePublicKey(privateKey string) (string, error) {
	priv, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	if len(priv) != 32 {
		return "", fmt.Errorf("invalid private key length: expected 32 bytes, got %d", len(priv))
	}

	pub, err := x25519PublicKey(priv)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// clamp applies the WireGuard/X25519 private-key clamping rule: clear
// the low 3 bits, clear the top bit, set the second-highest bit.
func clamp(key []byte) {
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
}

func x25519PublicKey(priv []byte) ([]byte, error) {
	return curve25519.X25519(priv, curve25519.Basepoint)
}
