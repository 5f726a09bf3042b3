package processor

import (
	"encoding/json"
	"fmt"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/attestation"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/identity"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/kme"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workload"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workorder"
)

// KMEVariant is the key-management deployment shape (§4.8): it RSA-unwraps
// session keys the same way Singleton does, but its dispatch step never
// executes a workload body. A work order either names one of the KME's own
// meta-operations, or falls through to the default branch, which mints a
// per-work-order key bundle for some WPE to execute the real workload.
type KMEVariant struct {
	Registry       *kme.Registry
	AttestationMgr *attestation.Manager
}

func (KMEVariant) Name() string { return "kme" }

func (KMEVariant) UnwrapKeys(req *workorder.Request, _ []byte) (*UnwrappedKeys, error) {
	return unwrapViaIdentity(req)
}

func (v KMEVariant) Dispatch(req *workorder.Request, keys *UnwrappedKeys, in []workload.Item) ([]workload.Item, error) {
	name, err := req.WorkloadName()
	if err != nil {
		return nil, err
	}

	switch name {
	case "kme-uid":
		return v.dispatchMintUID(in)
	case "kme-reg":
		return v.dispatchRegister(in)
	case "state-uid":
		return v.dispatchStateUID()
	case "state-request":
		return v.dispatchStateRequest(in)
	case "get-state":
		return v.dispatchGetState(in)
	case "set-state":
		return v.dispatchSetState(in)
	default:
		return v.dispatchPreprocess(req, keys)
	}
}

func singleResultItem(s string) []workload.Item {
	return []workload.Item{{Index: 1, Data: []byte(s)}}
}

func jsonParamsOf(op string, in []workload.Item, v any) error {
	if len(in) == 0 {
		return errs.Input(op, "missing request params")
	}
	if err := json.Unmarshal(in[0].Data, v); err != nil {
		return errs.Input(op, "malformed params: %w", err)
	}
	return nil
}

func (v KMEVariant) dispatchMintUID(in []workload.Item) ([]workload.Item, error) {
	const op = "processor.KMEVariant.dispatchMintUID"

	var params struct {
		Nonce string `json:"nonce"`
	}
	if len(in) > 0 {
		if err := json.Unmarshal(in[0].Data, &params); err != nil {
			return nil, errs.Input(op, "malformed params: %w", err)
		}
	}

	vHex, sigHex, err := v.Registry.MintUID(params.Nonce)
	if err != nil {
		return nil, err
	}
	return singleResultItem(fmt.Sprintf("%s %s %s", kme.WpeRegSuccess, vHex, sigHex)), nil
}

// kmeRegParams is the kme-reg request body, per spec.md §4.8: the pending
// unique_id, the WPE's public encryption key, and the attestation payload
// binding them together.
type kmeRegParams struct {
	UniqueID              string `json:"unique_id"`
	WPEEncryptionKey      string `json:"wpe_encryption_key"`
	AttestationMethod     string `json:"attestation_method"`
	VerificationReport    string `json:"verification_report"`
	ReportSignatureB64    string `json:"report_signature"`
	SigningCertificatePEM string `json:"signing_certificate"`
	QuoteB64              string `json:"quote"`
}

func (v KMEVariant) dispatchRegister(in []workload.Item) ([]workload.Item, error) {
	const op = "processor.KMEVariant.dispatchRegister"

	var p kmeRegParams
	if err := jsonParamsOf(op, in, &p); err != nil {
		return nil, err
	}

	id, err := identity.Get()
	if err != nil {
		return nil, err
	}

	req := kme.RegisterRequest{
		UniqueID:         p.UniqueID,
		WPEEncryptionKey: p.WPEEncryptionKey,
	}

	if !v.Registry.SimulatorMode() {
		if v.AttestationMgr == nil {
			return nil, errs.Internal(op, "no attestation manager configured")
		}

		reportSig, err := crypto.B64Decode(p.ReportSignatureB64)
		if err != nil {
			return nil, errs.Input(op, "bad base64 report_signature: %w", err)
		}
		quote, err := crypto.B64Decode(p.QuoteB64)
		if err != nil && p.QuoteB64 != "" {
			return nil, errs.Input(op, "bad base64 quote: %w", err)
		}

		claims, err := v.AttestationMgr.VerifyWithMethod(p.AttestationMethod, &attestation.Request{
			VerificationReport: []byte(p.VerificationReport),
			ReportSignature:    reportSig,
			SigningCertificate: []byte(p.SigningCertificatePEM),
			Quote:              quote,
		})
		if err != nil {
			return nil, err
		}
		req.AttestationClaims = &kme.AttestationClaims{MREnclave: claims.MREnclave, ReportData: claims.ReportData}
	}

	code := v.Registry.Register(req, id.ExtendedData())
	return singleResultItem(code.String()), nil
}

func (v KMEVariant) dispatchStateUID() ([]workload.Item, error) {
	uidHex, err := v.Registry.StateUID()
	if err != nil {
		return nil, err
	}
	return singleResultItem(uidHex), nil
}

func (v KMEVariant) dispatchStateRequest(in []workload.Item) ([]workload.Item, error) {
	const op = "processor.KMEVariant.dispatchStateRequest"

	var params struct {
		UID string `json:"uid"`
	}
	if err := jsonParamsOf(op, in, &params); err != nil {
		return nil, err
	}

	id, err := identity.Get()
	if err != nil {
		return nil, err
	}

	nonceHex, sigHex, err := v.Registry.StateRequest(id, params.UID)
	if err != nil {
		return nil, err
	}
	return singleResultItem(fmt.Sprintf("%s %s %s", params.UID, nonceHex, sigHex)), nil
}

type getStateParams struct {
	UID                     string `json:"uid"`
	Nonce                   string `json:"nonce"`
	UIDNonceSignatureHex    string `json:"uid_nonce_signature"`
	ReplicaVerifyingKeyPEM  string `json:"replica_verifying_key"`
	ReplicaEncryptionKeyPEM string `json:"replica_encryption_key"`
}

func (v KMEVariant) dispatchGetState(in []workload.Item) ([]workload.Item, error) {
	const op = "processor.KMEVariant.dispatchGetState"

	var p getStateParams
	if err := jsonParamsOf(op, in, &p); err != nil {
		return nil, err
	}
	sig, err := crypto.HexDecode(p.UIDNonceSignatureHex)
	if err != nil {
		return nil, errs.Input(op, "bad hex uid_nonce_signature: %w", err)
	}

	id, err := identity.Get()
	if err != nil {
		return nil, err
	}

	transfer, code := v.Registry.GetState(id, kme.GetStateRequest{
		UID:                     p.UID,
		Nonce:                   p.Nonce,
		UIDNonceSignature:       sig,
		ReplicaVerifyingKeyPEM:  p.ReplicaVerifyingKeyPEM,
		ReplicaEncryptionKeyPEM: p.ReplicaEncryptionKeyPEM,
	})
	if code != kme.KmeReplOpSuccess {
		return nil, errs.State(op, "%s", code)
	}

	out, err := json.Marshal(transfer)
	if err != nil {
		return nil, errs.Internal(op, "marshal state transfer: %w", err)
	}
	return []workload.Item{{Index: 1, Data: out}}, nil
}

type setStateParams struct {
	UID                 string `json:"uid"`
	Nonce               string `json:"nonce"`
	EncryptedKeyHex     string `json:"encrypted_key"`
	EncryptedStateB64   string `json:"encrypted_state"`
	SignatureB64        string `json:"signature"`
	PrimaryVerifyingPEM string `json:"primary_verifying_key"`
}

func (v KMEVariant) dispatchSetState(in []workload.Item) ([]workload.Item, error) {
	const op = "processor.KMEVariant.dispatchSetState"

	var p setStateParams
	if err := jsonParamsOf(op, in, &p); err != nil {
		return nil, err
	}

	id, err := identity.Get()
	if err != nil {
		return nil, err
	}

	sealed, newIdentity, code := v.Registry.SetState(id, kme.SetStateRequest{
		UID:               p.UID,
		Nonce:             p.Nonce,
		EncryptedKeyHex:   p.EncryptedKeyHex,
		EncryptedStateB64: p.EncryptedStateB64,
		SignatureB64:      p.SignatureB64,
	}, p.PrimaryVerifyingPEM)
	if code != kme.KmeReplOpSuccess {
		return nil, errs.State(op, "%s", code)
	}

	identity.Set(newIdentity)
	return []workload.Item{{Index: 1, Data: sealed}}, nil
}

// dispatchPreprocess implements the default branch of §4.8: mint a
// per-work-order key bundle for the WPE named by workerEncryptionKey,
// wrapping the already-unwrapped requester session key and every in/out
// item's resolved data key.
func (v KMEVariant) dispatchPreprocess(req *workorder.Request, keys *UnwrappedKeys) ([]workload.Item, error) {
	const op = "processor.KMEVariant.dispatchPreprocess"

	if req.Params.WorkerEncryptionKey == "" {
		return nil, errs.Input(op, "missing workerEncryptionKey")
	}
	if _, code := v.Registry.Preprocess(req.Params.WorkerEncryptionKey); code != kme.WpeRegSuccess {
		return nil, errs.State(op, "%s", code)
	}

	id, err := identity.Get()
	if err != nil {
		return nil, err
	}

	inKeys, err := itemKeysFor(keys.InResolver, req.Params.InData)
	if err != nil {
		return nil, err
	}
	outKeys, err := itemKeysFor(keys.OutResolver, req.Params.OutData)
	if err != nil {
		return nil, err
	}

	bundle, err := kme.BuildBundle(id, req.Params.WorkerEncryptionKey, keys.SessionKey, req.Params.RequesterNonce, inKeys, outKeys)
	if err != nil {
		return nil, err
	}

	raw, err := bundle.Marshal()
	if err != nil {
		return nil, err
	}
	return []workload.Item{{Index: 1, Data: raw}}, nil
}

// itemKeysFor resolves each item's plaintext data key the same way
// workorder.Unpack would, reusing the §3 marker rule so the bundle carries
// exactly the key (or passthrough marker) the original request specified.
func itemKeysFor(resolver workorder.KeyResolver, items []workorder.DataItem) ([]kme.ItemKey, error) {
	out := make([]kme.ItemKey, 0, len(items))
	for _, item := range items {
		enc := item.EncryptedDataEncryptionKey
		if enc == "" || enc == "null" || enc == "-" {
			out = append(out, kme.ItemKey{Index: item.Index, Marker: enc})
			continue
		}
		key, err := resolver.ResolveItemKey(item.Index, enc)
		if err != nil {
			return nil, err
		}
		out = append(out, kme.ItemKey{Index: item.Index, Key: key})
	}
	return out, nil
}
