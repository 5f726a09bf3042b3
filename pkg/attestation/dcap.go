package attestation

import (
	"crypto/sha256"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// DCAPMethod validates a DCAP attestation payload: the caller supplies the
// raw sgx_quote3_t blob plus a detached signature over it from the quoting
// enclave. Per spec.md §4.3 step 5, chaining that signature to Intel's
// quote-verification-enclave (QvE) identity is out of scope here and is
// stubbed to accept any syntactically valid signature when QvEVerifyingKey
// is nil — production deployments must supply the QvE's verifying key.
type DCAPMethod struct {
	// QvEVerifyingKey is the key the attached report signature is checked
	// against. Nil disables verification (development mode only).
	QvEVerifyingKey *crypto.VerifyingKey
}

func (m *DCAPMethod) Name() string { return "dcap" }

func (m *DCAPMethod) Verify(req *Request) (*Claims, error) {
	const op = "attestation.DCAPMethod.Verify"

	if len(req.Quote) == 0 {
		return nil, errs.Attestation(op, "missing verification_report (quote)")
	}
	if len(req.ReportSignature) == 0 {
		return nil, errs.Attestation(op, "missing report_signature")
	}

	if m.QvEVerifyingKey != nil {
		digest := sha256.Sum256(req.Quote)
		if m.QvEVerifyingKey.Verify(digest[:], req.ReportSignature) != crypto.Valid {
			return nil, errs.Attestation(op, "QvE signature verification failed")
		}
	}

	return parseDCAPQuote(req.Quote)
}
