// Package identity owns the enclave's long-term keypairs: a process-wide
// singleton with init-once lifecycle, mirroring the teacher's keystore
// pattern but holding a signing/encryption keypair instead of BLS shares.
package identity

import (
	"sync"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/encryption"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// Identity is the enclave's signing/encryption keypair plus the mode-specific
// extended data and handshake nonce, per spec.md §3.
type Identity struct {
	mu sync.RWMutex

	signingKey    *crypto.SigningKey
	encryptionKey *encryption.KeyPair

	encryptionKeySignature []byte // raw bytes; hex-encoded on the wire
	extendedData           []byte
	nonce                  string
}

// InitFresh generates both keypairs and derives encryptionKeySignature. It
// fails only if the CSPRNG is exhausted.
func InitFresh() (*Identity, error) {
	signingKey, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	encKey, err := encryption.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	id := &Identity{signingKey: signingKey, encryptionKey: encKey}
	if err := id.resignEncryptionKey(); err != nil {
		return nil, err
	}
	return id, nil
}

// resignEncryptionKey recomputes encryption_key_signature over the current
// public encryption key PEM, per §4.2's "derived-on-load" rationale.
func (id *Identity) resignEncryptionKey() error {
	digest := crypto.SHA256(id.encryptionKey.PublicKeyPEM)
	sig, err := id.signingKey.Sign(digest[:])
	if err != nil {
		return err
	}
	id.encryptionKeySignature = sig
	return nil
}

// SetExtendedData stashes the mode-specific extended data (§4.4), e.g. the
// expected WPE MRENCLAVE for a KME, or the KME verification key for a WPE.
func (id *Identity) SetExtendedData(data []byte) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.extendedData = append([]byte(nil), data...)
}

func (id *Identity) ExtendedData() []byte {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return append([]byte(nil), id.extendedData...)
}

func (id *Identity) SetNonce(nonce string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.nonce = nonce
}

func (id *Identity) Nonce() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.nonce
}

// Sign signs a digest with the signing key.
func (id *Identity) Sign(hash []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.signingKey.Sign(hash)
}

// Verify checks a DER signature under the identity's own verifying key.
func (id *Identity) Verify(hash, der []byte) crypto.VerifyResult {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.signingKey.PublicKey().Verify(hash, der)
}

// Decrypt unwraps ciphertext with the private encryption key.
func (id *Identity) Decrypt(ciphertext []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return encryption.Decrypt(ciphertext, id.encryptionKey.PrivateKeyPEM)
}

// PrivateEncryptionKeyPEM exposes the raw private-key PEM for callers that
// must hand it to a lower-layer parser directly (pkg/wpe's bundle consumer,
// which unwraps a KME bundle's several independently-encrypted fields
// rather than a single ciphertext Decrypt can cover). Every other caller
// should prefer Decrypt.
func (id *Identity) PrivateEncryptionKeyPEM() []byte {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return append([]byte(nil), id.encryptionKey.PrivateKeyPEM...)
}

// PublicSigningPEM returns the signing key's public PEM.
func (id *Identity) PublicSigningPEM() (string, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.signingKey.PublicKey().PEM()
}

// PublicSigningHex returns the uncompressed-point "04||X||Y" hex form.
func (id *Identity) PublicSigningHex() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.signingKey.PublicKey().UncompressedHex()
}

// PublicEncryptionPEM returns the encryption key's public PEM.
func (id *Identity) PublicEncryptionPEM() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return string(id.encryptionKey.PublicKeyPEM)
}

// EncryptionKeySignatureHex returns the hex-encoded signature over
// SHA256(public_encryption_pem).
func (id *Identity) EncryptionKeySignatureHex() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return crypto.HexEncode(id.encryptionKeySignature)
}

// PublicPayload is the JSON envelope exposed to the host / attestation
// verifier, per spec.md §6.
type PublicPayload struct {
	VerifyingKey           string `json:"VerifyingKey"`
	EncryptionKey          string `json:"EncryptionKey"`
	EncryptionKeySignature string `json:"EncryptionKeySignature"`
}

// PublicPayload builds the public-facing payload.
func (id *Identity) PublicPayload() (*PublicPayload, error) {
	signingPEM, err := id.PublicSigningPEM()
	if err != nil {
		return nil, err
	}
	return &PublicPayload{
		VerifyingKey:           signingPEM,
		EncryptionKey:          id.PublicEncryptionPEM(),
		EncryptionKeySignature: id.EncryptionKeySignatureHex(),
	}, nil
}

// store is the process-wide singleton, guarded the same way the teacher's
// keystore package guards its key versions: one mutex, init-once semantics.
var (
	storeMu sync.RWMutex
	store   *Identity
)

// Set installs id as the process-wide identity singleton.
func Set(id *Identity) {
	storeMu.Lock()
	defer storeMu.Unlock()
	store = id
}

// Get returns the process-wide identity singleton, or an InternalError if
// none has been initialized yet.
func Get() (*Identity, error) {
	storeMu.RLock()
	defer storeMu.RUnlock()
	if store == nil {
		return nil, errs.Internal("identity.Get", "identity singleton not initialized")
	}
	return store, nil
}
