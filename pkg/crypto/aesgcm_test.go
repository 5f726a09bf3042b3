package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAESGCMRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	iv, err := Random(AESIVSize)
	require.NoError(t, err)

	plaintext := []byte("Hyperledger Avalon")
	ct, err := EncryptWithIV(key, iv, plaintext)
	require.NoError(t, err)

	pt, err := DecryptWithIV(key, iv, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestAESGCMRejectsEmptyPlaintext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	iv, err := Random(AESIVSize)
	require.NoError(t, err)

	_, err = EncryptWithIV(key, iv, nil)
	require.Error(t, err)
}

func TestAESGCMTamperedTagFailsAuth(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	iv, err := Random(AESIVSize)
	require.NoError(t, err)

	ct, err := EncryptWithIV(key, iv, []byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0x01

	_, err = DecryptWithIV(key, iv, tampered)
	require.Error(t, err)
}

func TestAESGCMPrependRandomIVRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	blob, err := Encrypt(key, []byte("session key material"))
	require.NoError(t, err)

	pt, err := Decrypt(key, blob)
	require.NoError(t, err)
	require.Equal(t, []byte("session key material"), pt)
}

func TestAESGCMWrongKeySize(t *testing.T) {
	_, err := EncryptWithIV([]byte("too-short"), make([]byte, AESIVSize), []byte("x"))
	require.Error(t, err)
}

func FuzzAESGCMRoundTrip(f *testing.F) {
	key, err := GenerateKey()
	require.NoError(f, err)
	iv, err := Random(AESIVSize)
	require.NoError(f, err)

	f.Add([]byte("hello"))
	f.Add([]byte{0x00})
	f.Add([]byte("a longer message with several words in it"))

	f.Fuzz(func(t *testing.T, plaintext []byte) {
		if len(plaintext) == 0 {
			t.Skip("empty plaintext is rejected by design")
		}
		ct, err := EncryptWithIV(key, iv, plaintext)
		require.NoError(t, err)
		pt, err := DecryptWithIV(key, iv, ct)
		require.NoError(t, err)
		require.Equal(t, plaintext, pt)
	})
}
