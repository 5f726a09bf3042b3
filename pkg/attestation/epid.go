package attestation

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// verificationReport is the subset of Intel Attestation Service's JSON
// report this codebase inspects.
type verificationReport struct {
	ISVEnclaveQuoteStatus string `json:"isvEnclaveQuoteStatus"`
	ISVEnclaveQuoteBody   string `json:"isvEnclaveQuoteBody"`
	EPIDPseudonym         string `json:"epidPseudonym"`
}

// EPIDMethod validates the legacy IAS/EPID attestation payload: a JSON
// verification report, its RSA-PKCS1v15/SHA-256 signature, and the IAS
// report-signing certificate, per spec.md §4.3.
type EPIDMethod struct {
	// TrustedCAs are the IAS root CAs a report-signing certificate must
	// chain to. A nil pool disables chain validation — acceptable only
	// in development, never in a production signup flow.
	TrustedCAs *x509.CertPool
}

func (m *EPIDMethod) Name() string { return "epid" }

// Verify runs the fixed six-step EPID validation chain.
func (m *EPIDMethod) Verify(req *Request) (*Claims, error) {
	const op = "attestation.EPIDMethod.Verify"

	// Step 1: presence-check the outer payload.
	if len(req.VerificationReport) == 0 {
		return nil, errs.Attestation(op, "missing verification_report")
	}
	if len(req.ReportSignature) == 0 {
		return nil, errs.Attestation(op, "missing ias_report_signature")
	}
	if len(req.SigningCertificate) == 0 {
		return nil, errs.Attestation(op, "missing ias_report_signing_certificate")
	}

	// Step 2: decode inner report; presence-check required fields.
	var report verificationReport
	if err := json.Unmarshal(req.VerificationReport, &report); err != nil {
		return nil, errs.Attestation(op, "malformed verification report: %w", err)
	}
	if report.ISVEnclaveQuoteBody == "" {
		return nil, errs.Attestation(op, "verification report missing isvEnclaveQuoteBody")
	}
	if report.EPIDPseudonym == "" {
		return nil, errs.Attestation(op, "verification report missing epidPseudonym")
	}

	// Step 3: quote status.
	switch report.ISVEnclaveQuoteStatus {
	case "OK":
	case "GROUP_OUT_OF_DATE":
		if !req.TolerateGroupOutOfDate {
			return nil, errs.Attestation(op, "quote status GROUP_OUT_OF_DATE not tolerated")
		}
	default:
		return nil, errs.Attestation(op, "unacceptable quote status %q", report.ISVEnclaveQuoteStatus)
	}

	// Step 4: verify RSA-PKCS1v15/SHA-256 signature over the report bytes
	// under the public key of the attached signing certificate.
	cert, err := parseSigningCertificate(req.SigningCertificate)
	if err != nil {
		return nil, errs.Attestation(op, "parse signing certificate: %w", err)
	}
	rsaPub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errs.Attestation(op, "signing certificate does not carry an RSA public key")
	}
	digest := sha256.Sum256(req.VerificationReport)
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], req.ReportSignature); err != nil {
		return nil, errs.Attestation(op, "report signature verification failed: %w", err)
	}

	// Step 5: chain the signing certificate to an expected IAS root.
	if m.TrustedCAs != nil {
		opts := x509.VerifyOptions{Roots: m.TrustedCAs}
		if _, err := cert.Verify(opts); err != nil {
			return nil, errs.Attestation(op, "signing certificate chain validation failed: %w", err)
		}
	}

	// Step 6: decode the base64 quote; extract claims.
	quoteBytes, err := base64.StdEncoding.DecodeString(report.ISVEnclaveQuoteBody)
	if err != nil {
		return nil, errs.Attestation(op, "malformed quote body base64: %w", err)
	}
	return parseEPIDQuote(quoteBytes)
}

func parseSigningCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errs.Attestation("attestation.parseSigningCertificate", "failed to decode PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}
