package attestation

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// SimulatorMethod stands in for real EPID/DCAP attestation when the runtime
// is built against the SGX simulator (SGX_SIMULATOR=1 in the original
// source): it proves the caller controls the private key behind PublicKey
// via a Keccak256 challenge-response signature, the same scheme the
// teacher's standalone ECDSA attestation method used for non-TEE
// deployments, but it never claims a real MRENCLAVE/MRSIGNER — callers must
// supply the simulated measurement out of band.
type SimulatorMethod struct {
	// SimulatedMREnclave and SimulatedMRSigner are returned verbatim in
	// Claims; they stand in for values a real quote would carry.
	SimulatedMREnclave [32]byte
	SimulatedMRSigner  [32]byte
}

func (m *SimulatorMethod) Name() string { return "simulator" }

// Verify checks that Signature is a valid secp256k1 signature by PublicKey
// over Keccak256(Challenge || PublicKey), then returns the configured
// simulated measurements with ReportData copied from the first 64 bytes of
// Challenge (zero-padded).
func (m *SimulatorMethod) Verify(req *Request) (*Claims, error) {
	const op = "attestation.SimulatorMethod.Verify"

	if len(req.Challenge) == 0 {
		return nil, errs.Attestation(op, "challenge is required")
	}
	if len(req.PublicKey) == 0 {
		return nil, errs.Attestation(op, "public_key is required")
	}
	if len(req.Signature) != 65 {
		return nil, errs.Attestation(op, "signature must be 65 bytes, got %d", len(req.Signature))
	}

	pub, err := ethcrypto.UnmarshalPubkey(req.PublicKey)
	if err != nil {
		return nil, errs.Attestation(op, "invalid public key: %w", err)
	}

	message := append(append([]byte{}, req.Challenge...), req.PublicKey...)
	digest := ethcrypto.Keccak256(message)

	sig := append([]byte{}, req.Signature...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if !ethcrypto.VerifySignature(ethcrypto.FromECDSAPub(pub), digest, sig[:64]) {
		return nil, errs.Attestation(op, "challenge signature verification failed")
	}

	var reportData [64]byte
	copy(reportData[:], req.Challenge)

	return &Claims{
		MREnclave:  m.SimulatedMREnclave,
		MRSigner:   m.SimulatedMRSigner,
		ReportData: reportData,
	}, nil
}

// SimulatedMeasurementFromSeed derives a deterministic pseudo-measurement
// from a human-readable seed, so test fixtures don't need to hardcode raw
// 32-byte arrays.
func SimulatedMeasurementFromSeed(seed string) [32]byte {
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256([]byte(seed)))
	return out
}
