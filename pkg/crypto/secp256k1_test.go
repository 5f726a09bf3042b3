package crypto

import (
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

// derSignature mirrors the DER SEQUENCE{INTEGER r, INTEGER s} shape so a
// test can inspect s without reaching into the signing library's internals.
type derSignature struct {
	R, S *big.Int
}

// secp256k1Order is the well-known group order n of the secp256k1 curve.
var secp256k1Order, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)

func TestSigningKeySignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	hash := SHA256([]byte("work order hash"))
	sig, err := key.Sign(hash[:])
	require.NoError(t, err)

	require.Equal(t, Valid, key.PublicKey().Verify(hash[:], sig))
}

func TestSigningKeyVerifyRejectsWrongKey(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)
	other, err := GenerateSigningKey()
	require.NoError(t, err)

	hash := SHA256([]byte("payload"))
	sig, err := key.Sign(hash[:])
	require.NoError(t, err)

	require.Equal(t, Invalid, other.PublicKey().Verify(hash[:], sig))
}

func TestSigningKeyVerifyRejectsMalformedDER(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	hash := SHA256([]byte("payload"))
	require.Equal(t, Invalid, key.PublicKey().Verify(hash[:], []byte("not a der signature")))
}

// TestSignatureIsCanonicalLowS checks spec.md §4.1's canonical-low-S rule:
// the produced signature's s value never exceeds n/2.
func TestSignatureIsCanonicalLowS(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	halfOrder := new(big.Int).Rsh(secp256k1Order, 1)

	for i := 0; i < 20; i++ {
		hash := SHA256([]byte{byte(i)})
		der, err := key.Sign(hash[:])
		require.NoError(t, err)

		var sig derSignature
		_, err = asn1.Unmarshal(der, &sig)
		require.NoError(t, err)

		require.True(t, sig.S.Cmp(halfOrder) <= 0, "s must be <= n/2")
	}
}

func TestSigningKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	pemStr, err := key.PublicKey().PEM()
	require.NoError(t, err)

	parsed, err := VerifyingKeyFromPEM(pemStr)
	require.NoError(t, err)

	hash := SHA256([]byte("round trip"))
	sig, err := key.Sign(hash[:])
	require.NoError(t, err)
	require.Equal(t, Valid, parsed.Verify(hash[:], sig))
}

func TestSigningKeyUncompressedHexRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	h := key.PublicKey().UncompressedHex()
	require.Len(t, h, 130) // "04" + 64 bytes X + 64 bytes Y, hex-encoded

	parsed, err := VerifyingKeyFromUncompressedHex(h)
	require.NoError(t, err)

	hash := SHA256([]byte("hex round trip"))
	sig, err := key.Sign(hash[:])
	require.NoError(t, err)
	require.Equal(t, Valid, parsed.Verify(hash[:], sig))
}

func TestSigningKeyFromBytesRejectsWrongSize(t *testing.T) {
	_, err := SigningKeyFromBytes([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestSignRejectsEmptyHash(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	_, err = key.Sign(nil)
	require.Error(t, err)
}

func FuzzSignVerifyRoundTrip(f *testing.F) {
	key, err := GenerateSigningKey()
	require.NoError(f, err)

	f.Add([]byte("hello"))
	f.Add([]byte{0x00, 0x01, 0x02})

	f.Fuzz(func(t *testing.T, msg []byte) {
		hash := SHA256(msg)
		sig, err := key.Sign(hash[:])
		require.NoError(t, err)
		require.Equal(t, Valid, key.PublicKey().Verify(hash[:], sig))
	})
}
