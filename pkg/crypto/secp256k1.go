package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// SigningKey is an ECDSA-secp256k1 keypair. The public key is derived at
// construction time and never references the private scalar back — no
// PrivateKey<->PublicKey friend relationship as the mbedTLS original had.
type SigningKey struct {
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
}

// GenerateSigningKey creates a fresh secp256k1 keypair.
func GenerateSigningKey() (*SigningKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errs.Internal("crypto.GenerateSigningKey", "keygen failed: %w", err)
	}
	return &SigningKey{priv: priv, pub: priv.PubKey()}, nil
}

// SigningKeyFromBytes reconstructs a keypair from a raw 32-byte scalar.
func SigningKeyFromBytes(raw []byte) (*SigningKey, error) {
	if len(raw) != 32 {
		return nil, errs.Input("crypto.SigningKeyFromBytes", "private scalar must be 32 bytes, got %d", len(raw))
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &SigningKey{priv: priv, pub: priv.PubKey()}, nil
}

// Bytes returns the raw 32-byte private scalar.
func (k *SigningKey) Bytes() []byte {
	return k.priv.Serialize()
}

// Sign produces a DER-encoded ECDSA signature over hash (must already be a
// digest, typically SHA-256) with the canonical-low-S transform applied.
// dcrd's ecdsa.Sign already normalizes s to the lower half of the group
// order, so Serialize() is DER + canonical-low-S by construction.
func (k *SigningKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) == 0 {
		return nil, errs.Input("crypto.SigningKey.Sign", "hash must not be empty")
	}
	sig := dcrecdsa.Sign(k.priv, hash)
	return sig.Serialize(), nil
}

// PublicKey returns the public half of the keypair.
func (k *SigningKey) PublicKey() *VerifyingKey {
	return &VerifyingKey{pub: k.pub}
}

// VerifyingKey is the public half of a secp256k1 signing keypair.
type VerifyingKey struct {
	pub *secp256k1.PublicKey
}

// VerifyResult is the three-way outcome of a signature check, per spec.md
// §4.1. A wrong signature and a malformed DER signature both yield Invalid;
// VerifyInternalError is reserved for a verifier with no public key.
type VerifyResult int

const (
	Valid VerifyResult = iota
	Invalid
	VerifyInternalError
)

// Verify checks a DER-encoded signature over hash.
func (v *VerifyingKey) Verify(hash, der []byte) VerifyResult {
	sig, err := dcrecdsa.ParseDERSignature(der)
	if err != nil {
		return Invalid
	}
	if v == nil || v.pub == nil {
		return VerifyInternalError
	}
	if sig.Verify(hash, v.pub) {
		return Valid
	}
	return Invalid
}

// UncompressedHex returns the "04||X||Y" uncompressed point, hex-encoded.
func (v *VerifyingKey) UncompressedHex() string {
	return hex.EncodeToString(v.pub.SerializeUncompressed())
}

// VerifyingKeyFromUncompressedHex parses a "04||X||Y" hex point.
func VerifyingKeyFromUncompressedHex(h string) (*VerifyingKey, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, errs.Input("crypto.VerifyingKeyFromUncompressedHex", "bad hex: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, errs.Input("crypto.VerifyingKeyFromUncompressedHex", "bad point: %w", err)
	}
	return &VerifyingKey{pub: pub}, nil
}

// PEM serializes the public key as a PKIX "BEGIN PUBLIC KEY" PEM block,
// the same header the original mbedTLS stack emits.
func (v *VerifyingKey) PEM() (string, error) {
	ecPub := v.pub.ToECDSA()
	der, err := x509.MarshalPKIXPublicKey(ecPub)
	if err != nil {
		return "", errs.Internal("crypto.VerifyingKey.PEM", "marshal: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// VerifyingKeyFromPEM parses a "BEGIN PUBLIC KEY" PEM block into a secp256k1
// verifying key.
func VerifyingKeyFromPEM(pemStr string) (*VerifyingKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errs.Input("crypto.VerifyingKeyFromPEM", "failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errs.Input("crypto.VerifyingKeyFromPEM", "parse PKIX key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errs.Input("crypto.VerifyingKeyFromPEM", "not an EC public key")
	}
	point := secp256k1.NewPublicKey(secp256k1FieldVal(ecPub.X), secp256k1FieldVal(ecPub.Y))
	return &VerifyingKey{pub: point}, nil
}

// Sha256PEM hashes the UTF-8 bytes of a PEM string, used throughout the
// report-data binding discipline (spec.md §4.4).
func Sha256PEM(pemStr string) [32]byte {
	return sha256.Sum256([]byte(pemStr))
}

// secp256k1FieldVal converts a big.Int coordinate into the field element type
// secp256k1.NewPublicKey expects.
func secp256k1FieldVal(v *big.Int) *secp256k1.FieldVal {
	var f secp256k1.FieldVal
	f.SetByteSlice(v.Bytes())
	return &f
}
