package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

const (
	// AESKeySize is the key size in bytes for AES-GCM-256.
	AESKeySize = 32
	// AESIVSize is the nonce/iv size in bytes used throughout this codebase.
	AESIVSize = 12
	// AESTagSize is the GCM authentication tag size in bytes.
	AESTagSize = 16
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, errs.Input("crypto.newGCM", "key must be %d bytes, got %d", AESKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Internal("crypto.newGCM", "aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, AESIVSize)
	if err != nil {
		return nil, errs.Internal("crypto.newGCM", "cipher.NewGCM: %w", err)
	}
	return gcm, nil
}

// EncryptWithIV encrypts plaintext under key using the caller-supplied iv,
// appending the GCM tag to the returned ciphertext. plaintext must be
// non-empty.
func EncryptWithIV(key, iv, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errs.Input("crypto.EncryptWithIV", "plaintext must not be empty")
	}
	if len(iv) != AESIVSize {
		return nil, errs.Input("crypto.EncryptWithIV", "iv must be %d bytes, got %d", AESIVSize, len(iv))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

// Encrypt generates a random iv, encrypts plaintext, and returns iv||ciphertext||tag.
func Encrypt(key, plaintext []byte) (ivAndCiphertext []byte, err error) {
	iv, err := Random(AESIVSize)
	if err != nil {
		return nil, err
	}
	ct, err := EncryptWithIV(key, iv, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(iv)+len(ct))
	out = append(out, iv...)
	out = append(out, ct...)
	return out, nil
}

// DecryptWithIV reverses EncryptWithIV. A tampered ciphertext or tag yields
// errs.KindCrypto (AuthError); a malformed size yields errs.KindInput.
func DecryptWithIV(key, iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != AESIVSize {
		return nil, errs.Input("crypto.DecryptWithIV", "iv must be %d bytes, got %d", AESIVSize, len(iv))
	}
	if len(ciphertext) < AESTagSize {
		return nil, errs.Input("crypto.DecryptWithIV", "ciphertext shorter than tag size")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, errs.Crypto("crypto.DecryptWithIV", "gcm authentication failed: %w", err)
	}
	return pt, nil
}

// Decrypt reverses Encrypt, splitting the leading iv off of the blob.
func Decrypt(key, ivAndCiphertext []byte) ([]byte, error) {
	if len(ivAndCiphertext) < AESIVSize+AESTagSize {
		return nil, errs.Input("crypto.Decrypt", "blob too short")
	}
	iv := ivAndCiphertext[:AESIVSize]
	ct := ivAndCiphertext[AESIVSize:]
	return DecryptWithIV(key, iv, ct)
}

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	return Random(AESKeySize)
}
