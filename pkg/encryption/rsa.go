// Package encryption implements the RSA-3072-OAEP-SHA256 half of the C1
// crypto facade: the work-order session key (and, for the KME/WPE handshake,
// the verification key bundle) is always wrapped with RSA, never AES,
// per spec.md §4.1.
package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// KeyBits is the fixed RSA modulus size this codebase emits and requires of
// the public key passed to Encrypt. Smaller public keys are rejected rather
// than silently accepted; Decrypt does not check the private key's size.
const KeyBits = 3072

// KeyPair is an RSA-3072 encryption keypair, PEM-encoded the way the rest of
// the facade expects ("RSA PRIVATE KEY" / "PUBLIC KEY" headers).
type KeyPair struct {
	PrivateKeyPEM []byte
	PublicKeyPEM  []byte
}

// GenerateKeyPair creates a fresh RSA-3072 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, errs.Internal("encryption.GenerateKeyPair", "rsa keygen failed: %w", err)
	}

	privDER := x509.MarshalPKCS1PrivateKey(priv)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privDER})

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, errs.Internal("encryption.GenerateKeyPair", "marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	return &KeyPair{PrivateKeyPEM: privPEM, PublicKeyPEM: pubPEM}, nil
}

// MaxPlaintextLen returns the largest plaintext OAEP-SHA256 can wrap for the
// fixed 3072-bit modulus: k - 2*hLen - 2.
func MaxPlaintextLen() int {
	return (KeyBits / 8) - 2*sha256.Size - 2
}

func parsePublicKeyPEM(publicKeyPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errs.Input("encryption.parsePublicKeyPEM", "failed to decode PEM block")
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errs.Input("encryption.parsePublicKeyPEM", "parse public key: %w", err)
	}
	rsaPub, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, errs.Input("encryption.parsePublicKeyPEM", "not an RSA public key")
	}
	if rsaPub.N.BitLen() != KeyBits {
		return nil, errs.Input("encryption.parsePublicKeyPEM", "expected %d-bit key, got %d", KeyBits, rsaPub.N.BitLen())
	}
	return rsaPub, nil
}

func parsePrivateKeyPEM(privateKeyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errs.Input("encryption.parsePrivateKeyPEM", "failed to decode PEM block")
	}

	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}

	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errs.Input("encryption.parsePrivateKeyPEM", "parse private key: %w", err)
	}
	priv, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, errs.Input("encryption.parsePrivateKeyPEM", "not an RSA private key")
	}
	return priv, nil
}

// Encrypt wraps plaintext under the RSA-3072 public key using OAEP-SHA256.
// Oversize plaintext (anything beyond MaxPlaintextLen) is rejected rather
// than silently truncated or chunked — callers that need to move more data
// wrap an AES session key instead, per spec.md §4.1.
func Encrypt(plaintext, publicKeyPEM []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextLen() {
		return nil, errs.Input("encryption.Encrypt", "plaintext of %d bytes exceeds max %d for RSA-%d-OAEP-SHA256", len(plaintext), MaxPlaintextLen(), KeyBits)
	}
	rsaPub, err := parsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, plaintext, nil)
	if err != nil {
		return nil, errs.Crypto("encryption.Encrypt", "oaep encrypt failed: %w", err)
	}
	return ciphertext, nil
}

// Decrypt reverses Encrypt. Any OAEP failure (wrong key, tampered
// ciphertext, wrong padding) surfaces as errs.KindCrypto.
func Decrypt(ciphertext, privateKeyPEM []byte) ([]byte, error) {
	privKey, err := parsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privKey, ciphertext, nil)
	if err != nil {
		return nil, errs.Crypto("encryption.Decrypt", "oaep decrypt failed: %w", err)
	}
	return plaintext, nil
}

// generateWeakKeyPairForTesting produces a below-spec modulus size so
// parsePublicKeyPEM's bit-length guard can be exercised without pulling the
// guard itself out of the production path.
func generateWeakKeyPairForTesting(bits int) (publicKeyPEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), nil
}
