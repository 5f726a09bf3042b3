// Package signup implements the per-mode report-data binding (C4): the
// report_data layout table from spec.md §4.4, and the signup orchestration
// entry point that ties identity generation, report-data construction, a
// local attestation report, and sealing together.
package signup

import (
	"go.uber.org/zap"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/identity"
)

// Mode selects which report_data layout a signup call builds, per the
// table in spec.md §4.4.
type Mode int

const (
	Singleton Mode = iota
	KME
	WPE
)

func (m Mode) String() string {
	switch m {
	case Singleton:
		return "singleton"
	case KME:
		return "kme"
	case WPE:
		return "wpe"
	default:
		return "unknown"
	}
}

// extendedDataSize is the fixed 32-byte size of the KME's extended_data
// (the expected WPE MRENCLAVE) in the report-data slot (spec.md §4.4 step 1).
const extendedDataSize = 32

// ReportDataSize is the SGX report_data slot's fixed size.
const ReportDataSize = 64

// LocalReporter asks the host's TEE runtime for a local report against a
// target, standing in for the ECALL this spec places on the untrusted
// side (spec.md §1's "out of scope" host collaborator). Implementations
// wrap whatever SDK call the deployment uses; pkg/enclave's default returns
// the target info and report-data it was handed, unmodified, as JSON.
type LocalReporter interface {
	LocalReport(targetInfo []byte, reportData [ReportDataSize]byte) ([]byte, error)
}

// Data is the result of a successful signup: the local report the host
// should forward to the attestation service, the sealed private-data blob,
// and the public payload the remote verifier will check against the quote.
type Data struct {
	LocalReport   []byte
	Sealed        []byte
	PublicPayload *identity.PublicPayload
}

// BuildReportData constructs the 64-byte report_data slot for mode, per the
// table in spec.md §4.4: bytes 0..32 are always SHA256 of a PEM public key,
// bytes 32..64 vary by mode and are zero for Singleton.
//
// extendedData must be exactly 32 bytes for KME; WPE hashes it whatever its
// length; Singleton ignores it.
func BuildReportData(mode Mode, id *identity.Identity, extendedData []byte) ([ReportDataSize]byte, error) {
	const op = "signup.BuildReportData"
	var out [ReportDataSize]byte

	switch mode {
	case Singleton:
		signingPEM, err := id.PublicSigningPEM()
		if err != nil {
			return out, err
		}
		h := crypto.Sha256PEM(signingPEM)
		copy(out[:32], h[:])
		return out, nil

	case KME:
		if len(extendedData) != extendedDataSize {
			return out, errs.Input(op, "KME extended_data must be %d bytes, got %d", extendedDataSize, len(extendedData))
		}
		signingPEM, err := id.PublicSigningPEM()
		if err != nil {
			return out, err
		}
		h := crypto.Sha256PEM(signingPEM)
		copy(out[:32], h[:])
		copy(out[32:], extendedData)
		return out, nil

	case WPE:
		// extendedData here is the unique_id bytes (utf8), hashed into the
		// second half; the first half binds the encryption public key
		// instead of the signing key, since a WPE is identified to its KME
		// by its encryption key (spec.md §4.4 table).
		encPEM := id.PublicEncryptionPEM()
		h := crypto.Sha256PEM(encPEM)
		copy(out[:32], h[:])
		idHash := crypto.SHA256(extendedData)
		copy(out[32:], idHash[:])
		return out, nil

	default:
		return out, errs.Input(op, "unknown signup mode %v", mode)
	}
}

// Signup runs the full C4 orchestration: obtain-or-create the identity
// singleton, build report_data per mode, obtain a local report against
// targetInfo, and seal the identity's private data.
//
// extendedData feeds BuildReportData only; it is not always what ends up
// stored as the identity's long-lived extended_data (§3's per-mode field).
// For KME, extendedData IS that field (the expected WPE MRENCLAVE is known
// up front, so Signup persists it here). For WPE, extendedData is instead
// the unique_id bytes the KME minted via kme-uid — used transiently to
// bind report_data bytes 32..64. Signup does not set a WPE identity's
// extended_data (the PEM verification key of its KME); the caller sets that
// separately via SetExtendedData (pkg/enclave does so at Initialize and
// CreateSignupData).
func Signup(mode Mode, reporter LocalReporter, targetInfo []byte, extendedData []byte, logger *zap.Logger) (*Data, error) {
	const op = "signup.Signup"

	id, err := identity.Get()
	if err != nil {
		id, err = identity.InitFresh()
		if err != nil {
			return nil, err
		}
		identity.Set(id)
		logger.Info("generated fresh enclave identity", zap.String("mode", mode.String()))
	}

	if mode == KME {
		id.SetExtendedData(extendedData)
	}

	reportData, err := BuildReportData(mode, id, extendedData)
	if err != nil {
		return nil, err
	}

	report, err := reporter.LocalReport(targetInfo, reportData)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}

	sealed, err := id.Sealed()
	if err != nil {
		return nil, err
	}

	payload, err := id.PublicPayload()
	if err != nil {
		return nil, err
	}

	logger.Info("signup complete", zap.String("mode", mode.String()), zap.Int("sealed_bytes", len(sealed)))

	return &Data{LocalReport: report, Sealed: sealed, PublicPayload: payload}, nil
}

// VerifyReportData re-derives the expected report_data from a claimed
// public key set plus claimed extended data and compares it byte-for-byte
// against a quoted value, per §4.4's "the remote verifier later re-derives"
// closing paragraph. signingOrEncryptionPEM is the signing key PEM for
// Singleton/KME, the encryption key PEM for WPE.
func VerifyReportData(mode Mode, signingOrEncryptionPEM string, extendedData []byte, quoted [ReportDataSize]byte) error {
	const op = "signup.VerifyReportData"

	var want [ReportDataSize]byte
	h := crypto.Sha256PEM(signingOrEncryptionPEM)
	copy(want[:32], h[:])

	switch mode {
	case Singleton:
		// bytes 32..64 stay zero.
	case KME:
		if len(extendedData) != extendedDataSize {
			return errs.Input(op, "KME extended_data must be %d bytes, got %d", extendedDataSize, len(extendedData))
		}
		copy(want[32:], extendedData)
	case WPE:
		idHash := crypto.SHA256(extendedData)
		copy(want[32:], idHash[:])
	default:
		return errs.Input(op, "unknown signup mode %v", mode)
	}

	if want != quoted {
		return errs.Attestation(op, "report_data mismatch for mode %v", mode)
	}
	return nil
}
