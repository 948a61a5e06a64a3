// Aegis Core - Moving Target Defense Gateway
// Copyright (C) 2025 Lotargo
//
// This file is part of Aegis Core.
//
// Aegis Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Aegis Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Aegis Core. If not, see <https://www.gnu.org/licenses/>.

// Package crypto implements the Aegis crypto engine: a P-384 ECDH keypair,
// HKDF-SHA256 session-key derivation and the AES-256-GCM envelope format
// used on the inter-node channel.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the byte length of the random nonce prepended to every envelope.
	NonceSize = 12
	// SessionKeySize is the byte length of a derived session key.
	SessionKeySize = 32
)

// sessionKeyInfo is the HKDF info string. Both nodes must use identical bytes
// or the derived keys will not match.
var sessionKeyInfo = []byte("aegis-session-key")

var (
	// ErrBadPeerKey reports a peer public key that could not be parsed as a
	// PEM-encoded SubjectPublicKeyInfo P-384 point.
	ErrBadPeerKey = errors.New("crypto: bad peer public key")

	// ErrAuthFail reports an AEAD open failure: wrong key, truncated or
	// tampered ciphertext, or mismatched associated data.
	ErrAuthFail = errors.New("crypto: envelope authentication failed")
)

// Engine holds the node's long-lived keypair. The keypair is generated once
// at construction and never rotates; session keys derived from it expire
// independently. Engine is safe for concurrent use: all state is immutable
// after New.
type Engine struct {
	privateKey   *ecdh.PrivateKey
	publicKeyPEM []byte
}

// New generates a fresh P-384 keypair and memoizes the PEM encoding of the
// public key.
func New() (*Engine, error) {
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-384 key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return &Engine{privateKey: priv, publicKeyPEM: pemBytes}, nil
}

// PublicKeyPEM returns the PEM (SubjectPublicKeyInfo) encoding of this node's
// public key. The returned bytes double as the session identifier on the wire.
func (e *Engine) PublicKeyPEM() []byte {
	out := make([]byte, len(e.publicKeyPEM))
	copy(out, e.publicKeyPEM)
	return out
}

// DeriveSharedKey computes the 32-byte session key shared with the peer that
// owns peerPublicPEM:
//
//	HKDF-SHA256(ECDH(self.priv, peer.pub), salt=nil, info="aegis-session-key")
//
// ECDH symmetry and HKDF determinism guarantee both nodes derive identical
// bytes. Returns ErrBadPeerKey if the PEM does not decode to a P-384 point.
func (e *Engine) DeriveSharedKey(peerPublicPEM []byte) ([]byte, error) {
	peerPub, err := parsePeerPublicKey(peerPublicPEM)
	if err != nil {
		return nil, err
	}
	shared, err := e.privateKey.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPeerKey, err)
	}

	key := make([]byte, SessionKeySize)
	kdf := hkdf.New(sha256.New, shared, nil, sessionKeyInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with AES-256-GCM, binding associatedData
// into the authentication tag. Output layout: nonce(12) || ciphertext || tag(16).
// The nonce is fresh uniform random per call.
func Seal(key, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	// Seal appends ciphertext||tag to the nonce slice.
	return aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Open reverses Seal. It splits the leading 12-byte nonce off the envelope and
// decrypts the remainder. Returns ErrAuthFail if the tag does not verify.
func Open(key, envelope, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(envelope) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: envelope too short", ErrAuthFail)
	}
	nonce, ciphertext := envelope[:NonceSize], envelope[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ErrAuthFail
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("invalid session key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init AES: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	return aead, nil
}

// parsePeerPublicKey decodes a PEM SubjectPublicKeyInfo block into a P-384
// ECDH public key. x509 yields *ecdsa.PublicKey for NIST curves; the ECDH()
// conversion validates that the point is on the curve.
func parsePeerPublicKey(pemBytes []byte) (*ecdh.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: no PUBLIC KEY block", ErrBadPeerKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPeerKey, err)
	}
	ecKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an EC key", ErrBadPeerKey)
	}
	peerPub, err := ecKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPeerKey, err)
	}
	if peerPub.Curve() != ecdh.P384() {
		return nil, fmt.Errorf("%w: unexpected curve", ErrBadPeerKey)
	}
	return peerPub, nil
}
