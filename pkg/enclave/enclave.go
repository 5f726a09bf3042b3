// Package enclave assembles the per-mode collaborators (identity, signup,
// attestation, the work-order processor, and, for KME, the WPE registry)
// behind the external entry points spec.md §6 names: Initialize,
// CreateSignupData, UnsealEnclaveData, VerifyEnclaveInfoEPID/DCAP,
// HandleWorkOrderRequest, GetSerializedResponse.
package enclave

import (
	"encoding/hex"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/attestation"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/identity"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/kme"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/processor"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/signup"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workload"
)

// Enclave is the uniform façade every cmd/ binary drives, per spec.md §6's
// entry-point list. One Enclave value corresponds to one mode (Singleton,
// KME, or WPE); NewSingleton/NewKME/NewWPE each wire up the right Variant.
type Enclave struct {
	mode      signup.Mode
	reporter  signup.LocalReporter
	attestMgr *attestation.Manager
	processor *processor.Processor
	logger    *zap.Logger

	// kmeVerifyingKeyPEM is only set for WPE: the verifying key of the KME
	// this WPE trusts, applied to the identity's extended_data as soon as
	// the identity exists, per NewWPE's doc comment.
	kmeVerifyingKeyPEM string
}

// localReport is the default LocalReporter: it stands in for the ECALL a
// real TEE runtime would service, packaging target_info and report_data
// into a self-describing JSON blob a test harness (or the simulator
// attestation flow) can round-trip. Real deployments supply their own
// LocalReporter wrapping the actual SDK call; this one is only ever wired
// by the cmd/ binaries' default configuration.
type localReport struct{}

func (localReport) LocalReport(targetInfo []byte, reportData [signup.ReportDataSize]byte) ([]byte, error) {
	return json.Marshal(struct {
		TargetInfoHex string `json:"targetInfoHex"`
		ReportDataHex string `json:"reportDataHex"`
	}{
		TargetInfoHex: hex.EncodeToString(targetInfo),
		ReportDataHex: hex.EncodeToString(reportData[:]),
	})
}

// NewSingleton builds a self-contained enclave: its own RSA key-unwrap,
// workloads run in-process, no KME registry.
func NewSingleton(workloads *workload.Registry, attestMgr *attestation.Manager, logger *zap.Logger) *Enclave {
	return &Enclave{
		mode:      signup.Singleton,
		reporter:  localReport{},
		attestMgr: attestMgr,
		processor: processor.NewSingleton(workloads, logger),
		logger:    logger,
	}
}

// NewKME builds a key-management enclave around registry. registry's
// Config.SimulatorMode controls whether kme-reg skips attestation
// verification, per §3/SPEC_FULL's "Simulator mode" note.
func NewKME(registry *kme.Registry, attestMgr *attestation.Manager, logger *zap.Logger) *Enclave {
	return &Enclave{
		mode:      signup.KME,
		reporter:  localReport{},
		attestMgr: attestMgr,
		processor: processor.NewKME(registry, attestMgr, logger),
		logger:    logger,
	}
}

// NewWPE builds a bundle-consuming enclave. kmeVerifyingKeyPEM is the
// verifying key of the KME this WPE trusts to issue its key bundles; it is
// stashed on the identity's extended_data as soon as the identity exists
// (at Initialize or at first CreateSignupData), per signup.go's note that
// Signup does not set a WPE's extended_data.
func NewWPE(workloads *workload.Registry, attestMgr *attestation.Manager, kmeVerifyingKeyPEM string, logger *zap.Logger) *Enclave {
	return &Enclave{
		mode:               signup.WPE,
		reporter:           localReport{},
		attestMgr:          attestMgr,
		processor:          processor.NewWPE(workloads, logger),
		logger:             logger,
		kmeVerifyingKeyPEM: kmeVerifyingKeyPEM,
	}
}

// Initialize implements initialize(sealed_blob?): with no sealed blob,
// generate a fresh identity; otherwise rehydrate from it. Either way the
// result is installed as the process-wide identity singleton.
func (e *Enclave) Initialize(sealedBlob []byte) error {
	if len(sealedBlob) == 0 {
		id, err := identity.InitFresh()
		if err != nil {
			return err
		}
		e.applyKMEVerifyingKey(id)
		identity.Set(id)
		e.logger.Info("enclave initialized with fresh identity", zap.String("mode", e.mode.String()))
		return nil
	}

	id, err := identity.InitFromSealed(sealedBlob)
	if err != nil {
		return err
	}
	e.applyKMEVerifyingKey(id)
	identity.Set(id)
	e.logger.Info("enclave initialized from sealed blob", zap.String("mode", e.mode.String()))
	return nil
}

// applyKMEVerifyingKey stores this WPE's trusted KME verifying key as the
// identity's extended_data, per §3's per-mode data model. The sealed blob
// does not carry extended_data, so a rehydrated identity starts without
// it; this sets it only when the enclave was built with a verifying key to
// apply.
func (e *Enclave) applyKMEVerifyingKey(id *identity.Identity) {
	if e.mode == signup.WPE && e.kmeVerifyingKeyPEM != "" {
		id.SetExtendedData([]byte(e.kmeVerifyingKeyPEM))
	}
}

// CalculateSealedSize implements calculate_sealed_size(): the size of the
// sealed blob Initialize/CreateSignupData would currently produce.
func (e *Enclave) CalculateSealedSize() (int, error) {
	id, err := identity.Get()
	if err != nil {
		return 0, err
	}
	sealed, err := id.Sealed()
	if err != nil {
		return 0, err
	}
	return len(sealed), nil
}

// CalculatePublicSize implements calculate_public_size(): the size of the
// public-payload JSON Initialize/CreateSignupData would currently produce.
func (e *Enclave) CalculatePublicSize() (int, error) {
	id, err := identity.Get()
	if err != nil {
		return 0, err
	}
	payload, err := id.PublicPayload()
	if err != nil {
		return 0, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, errs.Internal("enclave.Enclave.CalculatePublicSize", "marshal public payload: %w", err)
	}
	return len(raw), nil
}

// CreateSignupData implements create_signup_data({target_info,
// extended_data?}): the full C4 signup orchestration for this enclave's
// mode.
func (e *Enclave) CreateSignupData(targetInfo, extendedData []byte) (*signup.Data, error) {
	id, err := identity.Get()
	if err != nil {
		id, err = identity.InitFresh()
		if err != nil {
			return nil, err
		}
		identity.Set(id)
	}
	e.applyKMEVerifyingKey(id)
	return signup.Signup(e.mode, e.reporter, targetInfo, extendedData, e.logger)
}

// UnsealEnclaveData implements unseal_enclave_data(sealed_blob): rehydrate
// the identity and return only its public payload.
func (e *Enclave) UnsealEnclaveData(sealedBlob []byte) (*identity.PublicPayload, error) {
	id, err := identity.InitFromSealed(sealedBlob)
	if err != nil {
		return nil, err
	}
	identity.Set(id)
	return id.PublicPayload()
}

// VerifyEnclaveInfoEPID implements verify_enclave_info_epid(enclave_info_json,
// mr_enclave_hex): run the EPID validation chain and check the resulting
// MRENCLAVE against the caller's expectation.
func (e *Enclave) VerifyEnclaveInfoEPID(req *attestation.Request, mrEnclaveHex string) error {
	return e.verifyMREnclave("epid", req, mrEnclaveHex)
}

// VerifyEnclaveInfoDCAP implements verify_enclave_info_dcap(enclave_info_json,
// mr_enclave_hex): run the DCAP validation path and check the resulting
// MRENCLAVE against the caller's expectation.
func (e *Enclave) VerifyEnclaveInfoDCAP(req *attestation.Request, mrEnclaveHex string) error {
	return e.verifyMREnclave("dcap", req, mrEnclaveHex)
}

func (e *Enclave) verifyMREnclave(method string, req *attestation.Request, mrEnclaveHex string) error {
	const op = "enclave.Enclave.verifyMREnclave"

	want, err := hex.DecodeString(mrEnclaveHex)
	if err != nil {
		return errs.Input(op, "bad hex mr_enclave: %w", err)
	}

	claims, err := e.attestMgr.VerifyWithMethod(method, req)
	if err != nil {
		return err
	}
	if !bytesEqual(claims.MREnclave[:], want) {
		return errs.Attestation(op, "mr_enclave mismatch")
	}
	return nil
}

// HandleWorkOrderRequest implements handle_work_order_request(req_bytes,
// ext_wo_data?) → response_size: run the processor pipeline and return the
// length of the serialized response that GetSerializedResponse will now
// return.
func (e *Enclave) HandleWorkOrderRequest(reqBytes, extWorkOrderData []byte) int {
	resp := e.processor.HandleWorkOrderRequest(reqBytes, extWorkOrderData)
	return len(resp)
}

// GetSerializedResponse implements get_serialized_response(buf): the most
// recent HandleWorkOrderRequest result.
func (e *Enclave) GetSerializedResponse() []byte {
	return e.processor.GetSerializedResponse()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
