package identity

import (
	"encoding/json"
	"encoding/pem"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/encryption"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// sealedKeyPair mirrors a single PublicKey/PrivateKey PEM pair, the shape
// shared by SigningKey and EncryptionKey in the sealed JSON (§3).
type sealedKeyPair struct {
	PublicKey  string `json:"PublicKey"`
	PrivateKey string `json:"PrivateKey"`
}

type sealedData struct {
	SigningKey    sealedKeyPair `json:"SigningKey"`
	EncryptionKey sealedKeyPair `json:"EncryptionKey"`
}

// Sealed serializes the private data exactly as §3 requires: JSON with
// SigningKey.{PublicKey,PrivateKey} and EncryptionKey.{PublicKey,PrivateKey}.
// There is no real SGX sealing primitive available outside the enclave
// runtime, so this returns the plaintext private-data JSON; callers that
// need confidentiality at rest wrap this blob with their own storage-layer
// encryption (the KME replication protocol in pkg/kme does exactly that for
// state in flight).
func (id *Identity) Sealed() ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()

	signingPub, err := id.signingKey.PublicKey().PEM()
	if err != nil {
		return nil, err
	}

	sd := sealedData{
		SigningKey: sealedKeyPair{
			PublicKey:  signingPub,
			PrivateKey: encodeECPrivateKeyPEM(id.signingKey.Bytes()),
		},
		EncryptionKey: sealedKeyPair{
			PublicKey:  string(id.encryptionKey.PublicKeyPEM),
			PrivateKey: string(id.encryptionKey.PrivateKeyPEM),
		},
	}
	return json.Marshal(sd)
}

// InitFromSealed rehydrates the singleton from a sealed blob produced by
// Sealed: deserializes, validates both keys parse, and recomputes derived
// fields (the signature is never itself persisted, per §4.2).
func InitFromSealed(blob []byte) (*Identity, error) {
	var sd sealedData
	if err := json.Unmarshal(blob, &sd); err != nil {
		return nil, errs.Input("identity.InitFromSealed", "malformed sealed blob: %w", err)
	}

	scalar, err := decodeECPrivateKeyPEM(sd.SigningKey.PrivateKey)
	if err != nil {
		return nil, err
	}
	signingKey, err := crypto.SigningKeyFromBytes(scalar)
	if err != nil {
		return nil, err
	}

	if sd.EncryptionKey.PrivateKey == "" || sd.EncryptionKey.PublicKey == "" {
		return nil, errs.Input("identity.InitFromSealed", "missing encryption key material")
	}
	encKey := &encryption.KeyPair{
		PrivateKeyPEM: []byte(sd.EncryptionKey.PrivateKey),
		PublicKeyPEM:  []byte(sd.EncryptionKey.PublicKey),
	}
	// Validate the encryption key actually parses by round-tripping a probe
	// value through it.
	probe, err := encryption.Encrypt([]byte("sealed-load-probe"), encKey.PublicKeyPEM)
	if err != nil {
		return nil, errs.Input("identity.InitFromSealed", "encryption key invalid: %w", err)
	}
	if _, err := encryption.Decrypt(probe, encKey.PrivateKeyPEM); err != nil {
		return nil, errs.Input("identity.InitFromSealed", "private/public encryption key mismatch: %w", err)
	}

	id := &Identity{signingKey: signingKey, encryptionKey: encKey}
	if err := id.resignEncryptionKey(); err != nil {
		return nil, err
	}
	return id, nil
}

// encodeECPrivateKeyPEM wraps the raw 32-byte secp256k1 scalar in an
// "EC PRIVATE KEY" PEM block. Go's x509 package has no secp256k1 OID, so
// this codebase treats its own PEM body as an opaque scalar rather than
// fighting the standard library's curve registry for a curve it was never
// built to know about; the header still matches spec.md §6.
func encodeECPrivateKeyPEM(scalar []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: scalar}))
}

func decodeECPrivateKeyPEM(pemStr string) ([]byte, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errs.Input("identity.decodeECPrivateKeyPEM", "failed to decode PEM block")
	}
	return block.Bytes, nil
}
