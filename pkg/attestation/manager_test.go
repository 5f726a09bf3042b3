package attestation

import (
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManagerDispatchesByName(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	sim := &SimulatorMethod{SimulatedMREnclave: SimulatedMeasurementFromSeed("test-enclave")}
	require.NoError(t, mgr.Register(sim))
	require.True(t, mgr.HasMethod("simulator"))

	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	pubBytes := ethcrypto.FromECDSAPub(&priv.PublicKey)

	challenge := []byte("challenge-bytes")
	message := append(append([]byte{}, challenge...), pubBytes...)
	digest := ethcrypto.Keccak256(message)

	sig, err := ethcrypto.Sign(digest, priv)
	require.NoError(t, err)

	claims, err := mgr.VerifyWithMethod("simulator", &Request{
		Challenge: challenge,
		PublicKey: pubBytes,
		Signature: sig,
	})
	require.NoError(t, err)
	require.Equal(t, sim.SimulatedMREnclave, claims.MREnclave)
}

func TestManagerRejectsUnregisteredMethod(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	_, err := mgr.VerifyWithMethod("dcap", &Request{})
	require.Error(t, err)
}
