package attestation

import "github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"

// Offsets and sizes below mirror the public SGX SDK's sgx_report_body_t
// layout (sgx_report.h): cpu_svn(16) | misc_select(4) | reserved1(28) |
// attributes(16) | mr_enclave(32) | reserved2(32) | mr_signer(32) |
// reserved3(96) | isv_prod_id(2) | isv_svn(2) | reserved4(60) |
// report_data(64). This is Intel's published struct, not anything specific
// to a particular attestation service.
const (
	reportBodySize = 384

	mrEnclaveOffset  = 64
	mrSignerOffset   = 128
	reportDataOffset = 320
)

// epidQuoteHeaderSize is sgx_quote_t's fixed prefix before report_body:
// version(2)+sign_type(2)+epid_group_id(4)+qe_svn(2)+pce_svn(2)+xeid(4)+
// basename(32) = 48 bytes.
const epidQuoteHeaderSize = 48

// dcapQuoteHeaderSize is sgx_quote3_t's fixed header before report_body:
// version(2)+att_key_type(2)+reserved(4)+qe_svn(2)+pce_svn(2)+uuid(16)+
// user_data(20) = 48 bytes.
const dcapQuoteHeaderSize = 48

// reportBodyFields extracts mr_enclave, mr_signer, and report_data out of a
// report_body slice positioned at the start of the 384-byte struct.
func reportBodyFields(body []byte) (mrEnclave [32]byte, mrSigner [32]byte, reportData [64]byte, err error) {
	if len(body) < reportBodySize {
		return mrEnclave, mrSigner, reportData, errs.Attestation("attestation.reportBodyFields", "report body too short: %d bytes", len(body))
	}
	copy(mrEnclave[:], body[mrEnclaveOffset:mrEnclaveOffset+32])
	copy(mrSigner[:], body[mrSignerOffset:mrSignerOffset+32])
	copy(reportData[:], body[reportDataOffset:reportDataOffset+64])
	return mrEnclave, mrSigner, reportData, nil
}

// parseEPIDQuote extracts claims from a raw (already base64-decoded)
// sgx_quote_t blob.
func parseEPIDQuote(raw []byte) (*Claims, error) {
	if len(raw) < epidQuoteHeaderSize+reportBodySize {
		return nil, errs.Attestation("attestation.parseEPIDQuote", "quote too short: %d bytes", len(raw))
	}
	body := raw[epidQuoteHeaderSize : epidQuoteHeaderSize+reportBodySize]
	mrEnclave, mrSigner, reportData, err := reportBodyFields(body)
	if err != nil {
		return nil, err
	}
	return &Claims{MREnclave: mrEnclave, MRSigner: mrSigner, ReportData: reportData}, nil
}

// parseDCAPQuote extracts claims from a raw sgx_quote3_t blob.
func parseDCAPQuote(raw []byte) (*Claims, error) {
	if len(raw) < dcapQuoteHeaderSize+reportBodySize {
		return nil, errs.Attestation("attestation.parseDCAPQuote", "quote too short: %d bytes", len(raw))
	}
	body := raw[dcapQuoteHeaderSize : dcapQuoteHeaderSize+reportBodySize]
	mrEnclave, mrSigner, reportData, err := reportBodyFields(body)
	if err != nil {
		return nil, err
	}
	return &Claims{MREnclave: mrEnclave, MRSigner: mrSigner, ReportData: reportData}, nil
}
