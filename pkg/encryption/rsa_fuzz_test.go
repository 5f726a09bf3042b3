package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	fuzzPrivKeyPEM []byte
	fuzzPubKeyPEM  []byte
)

func init() {
	// Generate once to avoid paying RSA-3072 keygen cost on every fuzz iteration.
	kp, err := GenerateKeyPair()
	if err == nil {
		fuzzPrivKeyPEM = kp.PrivateKeyPEM
		fuzzPubKeyPEM = kp.PublicKeyPEM
	}
}

func FuzzRSAEncryptDecrypt(f *testing.F) {
	if fuzzPrivKeyPEM == nil || fuzzPubKeyPEM == nil {
		f.Skip("failed to generate RSA keypair for fuzzing")
	}

	maxLen := MaxPlaintextLen()
	f.Add([]byte("hello"))
	f.Add([]byte{}) // empty plaintext is legal for RSA, unlike AES-GCM
	f.Add(bytes.Repeat([]byte{0xFF}, maxLen))
	f.Add([]byte{0x00, 0x01, 0x02})
	f.Add([]byte("a work-order session key wrapped for the enclave"))

	f.Fuzz(func(t *testing.T, plaintext []byte) {
		if len(plaintext) > maxLen {
			plaintext = plaintext[:maxLen]
		}

		ciphertext, err := Encrypt(plaintext, fuzzPubKeyPEM)
		require.NoError(t, err)

		decrypted, err := Decrypt(ciphertext, fuzzPrivKeyPEM)
		require.NoError(t, err)
		require.Equal(t, plaintext, decrypted)
	})
}

func FuzzRSARejectsOversizePlaintext(f *testing.F) {
	f.Add(1)

	f.Fuzz(func(t *testing.T, extra int) {
		if fuzzPubKeyPEM == nil {
			t.Skip("no keypair generated")
		}
		if extra < 1 {
			extra = 1
		}
		if extra > 4096 {
			extra = 4096
		}
		plaintext := bytes.Repeat([]byte{0x41}, MaxPlaintextLen()+extra)

		_, err := Encrypt(plaintext, fuzzPubKeyPEM)
		require.Error(t, err, "Encrypt must reject plaintext beyond the OAEP limit")
	})
}

func TestRejectsWeakKey(t *testing.T) {
	weakPub, err := generateWeakKeyPairForTesting(1024)
	require.NoError(t, err)

	_, err = Encrypt([]byte("payload"), weakPub)
	require.Error(t, err)
}
