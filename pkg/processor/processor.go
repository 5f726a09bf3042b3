package processor

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/attestation"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/kme"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workload"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workorder"
)

// Processor runs the six-step work-order pipeline from spec.md §4.7
// (PARSED → KEYS_UNWRAPPED → HASH_VERIFIED → [SIG_VERIFIED] → DISPATCHED →
// RESPONSE_SIGNED → DONE) against one Variant. It is the single entry
// point every deployment shape (Singleton/KME/WPE) is built from.
type Processor struct {
	variant Variant
	logger  *zap.Logger

	mu           sync.Mutex
	lastResponse []byte
}

// New builds a Processor around an arbitrary Variant. NewSingleton/NewKME/
// NewWPE below are the constructors every cmd/ binary actually uses; New is
// exposed for tests that supply a fake Variant.
func New(variant Variant, logger *zap.Logger) *Processor {
	return &Processor{variant: variant, logger: logger}
}

// NewSingleton builds a self-contained processor: RSA key-unwrap against
// the enclave's own identity, workloads run in-process.
func NewSingleton(workloads *workload.Registry, logger *zap.Logger) *Processor {
	return New(SingletonVariant{Workloads: workloads}, logger)
}

// NewKME builds a key-management processor: RSA key-unwrap, and a dispatch
// step that never runs a workload body, only the KME meta-operations and
// the default bundle-issuance branch.
func NewKME(registry *kme.Registry, attestationMgr *attestation.Manager, logger *zap.Logger) *Processor {
	return New(KMEVariant{Registry: registry, AttestationMgr: attestationMgr}, logger)
}

// NewWPE builds a bundle-consuming processor: the per-work-order key
// bundle issued by a KME, workloads run in-process once keys are unwrapped.
func NewWPE(workloads *workload.Registry, logger *zap.Logger) *Processor {
	return New(WPEVariant{Workloads: workloads}, logger)
}

// HandleWorkOrderRequest runs the full pipeline over raw (a JSON-RPC
// work-order request) and extWorkOrderData (empty for Singleton/KME, the
// KME-issued key bundle for WPE). It never returns an error: every failure
// becomes a JSON-RPC error envelope, per §4.7's error-response rule. The
// serialized response is both returned and cached for GetSerializedResponse.
func (p *Processor) HandleWorkOrderRequest(raw, extWorkOrderData []byte) []byte {
	id := peekID(raw)
	// correlationID never enters the signed payload; it exists purely so an
	// operator can grep one request's log lines out of a busy enclave.
	correlationID := uuid.New().String()

	req, err := workorder.Parse(raw)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("work-order request failed to parse", zap.String("correlation_id", correlationID), zap.Error(err))
		}
		return p.finish(successOrError(id, "", nil, err))
	}

	if p.logger != nil {
		p.logger.Info("work-order request received",
			zap.String("correlation_id", correlationID),
			zap.String("work_order_id", req.Params.WorkOrderID),
			zap.String("workload_id", req.Params.WorkloadID),
		)
	}

	resp := p.process(req, extWorkOrderData)
	return p.finish(resp)
}

// GetSerializedResponse returns the most recent HandleWorkOrderRequest
// result, per §6's split entry-point shape (handle, then separately fetch
// the serialized response).
func (p *Processor) GetSerializedResponse() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.lastResponse...)
}

func (p *Processor) finish(raw []byte) []byte {
	p.mu.Lock()
	p.lastResponse = raw
	p.mu.Unlock()
	return raw
}

// process runs steps 1-6 of §4.7 against an already-parsed request.
func (p *Processor) process(req *workorder.Request, extWorkOrderData []byte) []byte {
	id := req.ID
	workOrderID := req.Params.WorkOrderID

	// Step 1: KEYS_UNWRAPPED.
	keys, err := p.variant.UnwrapKeys(req, extWorkOrderData)
	if err != nil {
		return successOrError(id, workOrderID, nil, err)
	}

	// Step 2: HASH_VERIFIED. The requester's claimed hash is AES-GCM
	// encrypted under the session key with sessionKeyIv; decrypt and
	// compare against our own recomputation rather than comparing
	// ciphertexts, so a session-key mismatch surfaces as a crypto error
	// instead of a silent hash mismatch.
	if err := verifyRequestHash(req, keys.SessionKey); err != nil {
		return successOrError(id, workOrderID, nil, err)
	}

	// Step 3: optional SIG_VERIFIED, only when the requester supplied a
	// verifyingKey/requesterSignature pair.
	if err := verifyRequesterSignature(req); err != nil {
		return successOrError(id, workOrderID, nil, err)
	}

	// Unpack every in-item under its resolved key.
	in := make([]workload.Item, 0, len(req.Params.InData))
	for _, item := range req.Params.InData {
		unpacked, err := workorder.Unpack(keys.InResolver, item)
		if err != nil {
			return successOrError(id, workOrderID, nil, err)
		}
		in = append(in, workload.Item{Index: unpacked.Index, Data: unpacked.Data})
	}

	// Step 4: DISPATCHED.
	out, err := p.variant.Dispatch(req, keys, in)
	if err != nil {
		return successOrError(id, workOrderID, nil, err)
	}

	// Pack every out-item, reusing the matching outData entry's
	// iv/encryptedDataEncryptionKey when the workload targeted an index
	// the request already declared.
	existingByIndex := make(map[uint32]workorder.DataItem, len(req.Params.OutData))
	for _, item := range req.Params.OutData {
		existingByIndex[item.Index] = item
	}
	outItems := make([]workorder.DataItem, 0, len(out))
	for _, o := range out {
		var existing *workorder.DataItem
		if e, ok := existingByIndex[o.Index]; ok {
			existing = &e
		}
		packed, err := workorder.Pack(keys.OutResolver, existing, req.Params.SessionKeyIV, workorder.Unpacked{Index: o.Index, Data: o.Data})
		if err != nil {
			return successOrError(id, workOrderID, nil, err)
		}
		outItems = append(outItems, packed)
	}

	// Step 5: RESPONSE_SIGNED. workerNonce = b64(SHA256(random(16))), per
	// §4.7's response-hash rule.
	nonceBytes, err := crypto.Random(16)
	if err != nil {
		return successOrError(id, workOrderID, nil, err)
	}
	nonceHash := crypto.SHA256(nonceBytes)
	workerNonce := crypto.B64Encode(nonceHash[:])
	sort.Slice(outItems, func(i, j int) bool { return outItems[i].Index < outItems[j].Index })
	result := &Result{
		WorkOrderID: workOrderID,
		WorkloadID:  req.Params.WorkloadID,
		WorkerID:    req.Params.WorkerID,
		RequesterID: req.Params.RequesterID,
		WorkerNonce: workerNonce,
		OutData:     outItems,
	}
	if keys.Ext != nil {
		result.ExtVerificationKey = keys.Ext.VerificationKeyPEM
		result.ExtVerificationKeySignature = keys.Ext.VerificationKeySignatureB64
	}

	respHash := responseHash(result)
	sig, err := keys.Sign(respHash[:])
	if err != nil {
		return successOrError(id, workOrderID, nil, err)
	}
	result.WorkerSignature = crypto.B64Encode(sig)

	return successOrError(id, workOrderID, result, nil)
}

// verifyRequestHash recomputes §4.5's canonical request hash and compares
// it against the requester's claimed value, decrypted under the unwrapped
// session key.
func verifyRequestHash(req *workorder.Request, sessionKey []byte) error {
	const op = "processor.verifyRequestHash"

	iv, err := crypto.HexDecode(req.Params.SessionKeyIV)
	if err != nil {
		return errs.Input(op, "bad hex sessionKeyIv: %w", err)
	}
	ct, err := crypto.B64Decode(req.Params.EncryptedRequestHash)
	if err != nil {
		return errs.Input(op, "bad base64 encryptedRequestHash: %w", err)
	}
	claimed, err := crypto.DecryptWithIV(sessionKey, iv, ct)
	if err != nil {
		return errs.Wrap(errs.KindCrypto, op, err)
	}

	want := req.RequestHash()
	if !bytesEqualProcessor(claimed, want[:]) {
		return errs.Crypto(op, "request hash mismatch")
	}
	return nil
}

// verifyRequesterSignature implements §4.7's optional step 3: present iff
// the requester supplied both verifyingKey and requesterSignature.
func verifyRequesterSignature(req *workorder.Request) error {
	const op = "processor.verifyRequesterSignature"

	if req.Params.VerifyingKey == "" && req.Params.RequesterSignature == "" {
		return nil
	}
	if req.Params.VerifyingKey == "" || req.Params.RequesterSignature == "" {
		return errs.Input(op, "verifyingKey and requesterSignature must both be present or both absent")
	}

	key, err := crypto.VerifyingKeyFromPEM(req.Params.VerifyingKey)
	if err != nil {
		return err
	}
	sig, err := crypto.HexDecode(req.Params.RequesterSignature)
	if err != nil {
		return errs.Input(op, "bad hex requesterSignature: %w", err)
	}

	hash := req.RequestHash()
	if key.Verify(hash[:], sig) != crypto.Valid {
		return errs.Crypto(op, "requester signature verification failed")
	}
	return nil
}

// responseHash reproduces §4.7's response-hash rule, the mirror of
// Request.RequestHash for the outbound side: h1' = SHA256(workerNonce ||
// workOrderId || workerId || workloadId || requesterId), and H_resp =
// SHA256( b64(h1') || concat_i b64(h_out_i) ) over outData sorted by index.
func responseHash(r *Result) [32]byte {
	h1 := crypto.SHA256([]byte(r.WorkerNonce + r.WorkOrderID + r.WorkerID + r.WorkloadID + r.RequesterID))

	out := append([]workorder.DataItem(nil), r.OutData...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	var buf strings.Builder
	buf.WriteString(crypto.B64Encode(h1[:]))
	for _, item := range out {
		h := crypto.SHA256(item.Concat())
		buf.WriteString(crypto.B64Encode(h[:]))
	}
	return crypto.SHA256([]byte(buf.String()))
}

// successOrError builds the final envelope bytes: a success Result, or any
// error converted through the single catch boundary in errorEnvelope.
func successOrError(id json.RawMessage, workOrderID string, result *Result, err error) []byte {
	var env *Envelope
	if err != nil {
		env = errorEnvelope(id, workOrderID, err)
	} else {
		env = successEnvelope(id, result)
	}
	raw, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		// Marshaling our own Envelope should never fail; fall back to a
		// minimal hand-built error so HandleWorkOrderRequest still returns
		// well-formed JSON.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32000,"message":"internal marshal failure"}}`)
	}
	return raw
}

// peekID extracts the "id" field from a raw JSON-RPC request without fully
// parsing it, so a request too malformed for workorder.Parse to accept can
// still echo an id in its error envelope when the wire JSON has one.
func peekID(raw []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.ID
}

func bytesEqualProcessor(a, b []byte) bool {
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
