package processor

import (
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/identity"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workload"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workorder"
)

// ExtFields carries the WPE-only response fields §4.7 step 5 names:
// extVerificationKey/extVerificationKeySignature, which let the requester
// chain a WPE's signature back to the KME that minted its per-work-order
// signing key.
type ExtFields struct {
	VerificationKeyPEM          string
	VerificationKeySignatureB64 string
}

// UnwrappedKeys is what step 1 (§4.7 "PARSED → KEYS_UNWRAPPED") hands to
// the rest of the pipeline: the unwrapped session key, a resolver for
// in-items and one for out-items (identical for Singleton/KME, distinct
// for WPE since its bundle indexes data keys separately per side), the
// signing function to use for the response, and the WPE-only ext fields.
type UnwrappedKeys struct {
	SessionKey  []byte
	InResolver  workorder.KeyResolver
	OutResolver workorder.KeyResolver
	Sign        func(hash []byte) ([]byte, error)
	Ext         *ExtFields
}

// Variant is the strategy pattern §4.7/SPEC_FULL.md §4.7 calls for: one
// implementation per deployment shape (Singleton, KME, WPE), each
// supplying the mode-specific key-unwrap and dispatch steps while the
// surrounding pipeline in Processor.process stays identical.
type Variant interface {
	Name() string

	// UnwrapKeys implements §4.7 step 1.
	UnwrapKeys(req *workorder.Request, extWorkOrderData []byte) (*UnwrappedKeys, error)

	// Dispatch implements §4.7 step 4. Singleton and WPE look the
	// workload up in a registry and run it; KME never runs a workload
	// body itself (see variant_kme.go).
	Dispatch(req *workorder.Request, keys *UnwrappedKeys, in []workload.Item) ([]workload.Item, error)
}

// unwrapViaIdentity implements the RSA-unwrap step shared by Singleton and
// KME: decrypt encryptedSessionKey with the enclave identity's private
// encryption key, and resolve every other item key the same way.
func unwrapViaIdentity(req *workorder.Request) (*UnwrappedKeys, error) {
	const op = "processor.unwrapViaIdentity"

	id, err := identity.Get()
	if err != nil {
		return nil, err
	}

	encSessionKey, err := crypto.HexDecode(req.Params.EncryptedSessionKey)
	if err != nil {
		return nil, errs.Input(op, "bad hex encryptedSessionKey: %w", err)
	}
	sessionKey, err := id.Decrypt(encSessionKey)
	if err != nil {
		return nil, err
	}

	resolver := &identityResolver{id: id, sessionKey: sessionKey}
	return &UnwrappedKeys{SessionKey: sessionKey, InResolver: resolver, OutResolver: resolver, Sign: id.Sign}, nil
}
