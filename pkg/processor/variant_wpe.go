package processor

import (
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/identity"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workload"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workorder"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/wpe"
)

// WPEVariant is the bundle-consuming deployment shape (§4.9): it never
// holds the RSA key the requester encrypted against, only a per-work-order
// bundle issued by its KME, and signs its response with the bundle's own
// (disposable) signing key rather than its long-term enclave identity.
type WPEVariant struct {
	Workloads *workload.Registry
}

func (WPEVariant) Name() string { return "wpe" }

// UnwrapKeys parses and verifies extWorkOrderData as a KME key bundle, per
// §3: the bundle's integrity signature is checked against the KME
// verifying key stashed in this enclave's extended_data at signup, the
// bundle's symmetric key is unwrapped with this enclave's own private
// encryption key, and the remaining encrypted fields are decrypted under
// that symmetric key.
func (WPEVariant) UnwrapKeys(_ *workorder.Request, extWorkOrderData []byte) (*UnwrappedKeys, error) {
	const op = "processor.WPEVariant.UnwrapKeys"

	if len(extWorkOrderData) == 0 {
		return nil, errs.Input(op, "missing key bundle")
	}

	id, err := identity.Get()
	if err != nil {
		return nil, err
	}
	kmeVerifyingPEM := string(id.ExtendedData())

	bundle, err := wpe.Parse(extWorkOrderData, id.PrivateEncryptionKeyPEM(), kmeVerifyingPEM)
	if err != nil {
		return nil, err
	}

	return &UnwrappedKeys{
		SessionKey:  bundle.WorkOrderSessionKey,
		InResolver:  &bundleResolver{sessionKey: bundle.WorkOrderSessionKey, dataKeys: bundle.InputDataKeys},
		OutResolver: &bundleResolver{sessionKey: bundle.WorkOrderSessionKey, dataKeys: bundle.OutputDataKeys},
		Sign:        bundle.SigningKey.Sign,
		Ext: &ExtFields{
			VerificationKeyPEM:          bundle.VerificationKeyPEM,
			VerificationKeySignatureB64: bundle.VerificationKeySignatureB64,
		},
	}, nil
}

func (v WPEVariant) Dispatch(req *workorder.Request, _ *UnwrappedKeys, in []workload.Item) ([]workload.Item, error) {
	return runWorkload(v.Workloads, req, in)
}
