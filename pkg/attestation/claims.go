// Package attestation parses and validates an attestation payload — either
// an EPID verification report or a DCAP quote — and extracts the three
// fields every downstream consumer (C4 signup, C8 KME registration) cares
// about: mr_enclave, mr_signer, and report_data.
package attestation

// Claims is what a successful Verify call exposes: the enclave measurement,
// its signer measurement, and the 64-byte report-data slot the signup
// surface bound its keys into.
type Claims struct {
	MREnclave  [32]byte
	MRSigner   [32]byte
	ReportData [64]byte
}
