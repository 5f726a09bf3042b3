package processor

import (
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/encryption"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/identity"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workload"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workorder"
)

// buildRequest assembles a well-formed singleton-mode work order around a
// single input item, encrypting everything under a freshly generated
// session key the way a requester would, per spec.md §8 scenario 1.
func buildRequest(t *testing.T, id *identity.Identity, workloadName string, plaintext []byte) ([]byte, []byte) {
	t.Helper()

	encPEM := id.PublicEncryptionPEM()
	sessionKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	encSessionKey, err := encryption.Encrypt(sessionKey, []byte(encPEM))
	require.NoError(t, err)

	sessionIV, err := crypto.Random(crypto.AESIVSize)
	require.NoError(t, err)

	inIV, err := crypto.Random(crypto.AESIVSize)
	require.NoError(t, err)
	inCT, err := crypto.EncryptWithIV(sessionKey, inIV, plaintext)
	require.NoError(t, err)
	inHash := crypto.SHA256(plaintext)

	inItem := workorder.DataItem{
		Index:                      1,
		DataHash:                   crypto.HexEncode(inHash[:]),
		Data:                       crypto.B64Encode(inCT),
		EncryptedDataEncryptionKey: "",
		IV:                         crypto.HexEncode(inIV),
	}

	requesterNonce := "35E8FB64ACFB4A8E"
	workOrderID := "wo-1"
	workerID := "worker-1"
	workloadIDHex := crypto.HexEncode([]byte(workloadName))
	requesterID := "requester-1"

	req := &workorder.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Params: workorder.Params{
			ResponseTimeoutMSecs: 5000,
			PayloadFormat:        "json-rpc",
			WorkOrderID:          workOrderID,
			WorkerID:             workerID,
			WorkloadID:           workloadIDHex,
			RequesterID:          requesterID,
			EncryptedSessionKey:  crypto.HexEncode(encSessionKey),
			SessionKeyIV:         crypto.HexEncode(sessionIV),
			RequesterNonce:       requesterNonce,
			InData:               []workorder.DataItem{inItem},
			OutData:              nil,
		},
	}

	reqHash := req.RequestHash()
	encReqHash, err := crypto.EncryptWithIV(sessionKey, sessionIV, reqHash[:])
	require.NoError(t, err)
	req.Params.EncryptedRequestHash = crypto.B64Encode(encReqHash)

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return raw, sessionKey
}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.InitFresh()
	require.NoError(t, err)
	identity.Set(id)
	return id
}

func TestEchoRoundTrip(t *testing.T) {
	id := newTestIdentity(t)
	raw, sessionKey := buildRequest(t, id, "echo-result", []byte("Hyperledger Avalon"))

	registry := workload.NewDefaultRegistry()
	p := NewSingleton(registry, zap.NewNop())

	respRaw := p.HandleWorkOrderRequest(raw, nil)

	var env Envelope
	require.NoError(t, json.Unmarshal(respRaw, &env))
	require.Nil(t, env.Error)
	require.NotNil(t, env.Result)
	require.Len(t, env.Result.OutData, 1)

	out := env.Result.OutData[0]
	ct, err := crypto.B64Decode(out.Data)
	require.NoError(t, err)
	iv, err := crypto.HexDecode(out.IV)
	require.NoError(t, err)

	pt, err := crypto.DecryptWithIV(sessionKey, iv, ct)
	require.NoError(t, err)
	require.Equal(t, "Hyperledger Avalon", string(pt))

	// workerSignature verifies over the response hash.
	verifyResponseSignature(t, id, &env)
}

func TestHeartDiseaseScenario(t *testing.T) {
	id := newTestIdentity(t)
	raw, _ := buildRequest(t, id, "heart-disease-eval", []byte("data:63 1 4 145 233 1 2 150 0 2.3 3 0 2 1"))

	registry := workload.NewDefaultRegistry()
	p := NewSingleton(registry, zap.NewNop())

	respRaw := p.HandleWorkOrderRequest(raw, nil)

	var env Envelope
	require.NoError(t, json.Unmarshal(respRaw, &env))
	require.Nil(t, env.Error)
	require.Len(t, env.Result.OutData, 1)

	out := env.Result.OutData[0]
	ct, err := crypto.B64Decode(out.Data)
	require.NoError(t, err)
	iv, err := crypto.HexDecode(out.IV)
	require.NoError(t, err)
	sessionKey := sessionKeyFromRaw(t, id, raw)
	pt, err := crypto.DecryptWithIV(sessionKey, iv, ct)
	require.NoError(t, err)

	require.Contains(t, string(pt), "You have a risk of ")
	require.Contains(t, string(pt), "% to have heart disease.")
}

func TestTamperedRequestHashYieldsCryptoError(t *testing.T) {
	id := newTestIdentity(t)
	raw, _ := buildRequest(t, id, "echo-result", []byte("Hyperledger Avalon"))

	var req map[string]any
	require.NoError(t, json.Unmarshal(raw, &req))
	params := req["params"].(map[string]any)
	encHash := params["encryptedRequestHash"].(string)
	tampered, err := crypto.B64Decode(encHash)
	require.NoError(t, err)
	tampered[0] ^= 0x01
	params["encryptedRequestHash"] = crypto.B64Encode(tampered)
	raw, err = json.Marshal(req)
	require.NoError(t, err)

	registry := workload.NewDefaultRegistry()
	p := NewSingleton(registry, zap.NewNop())
	respRaw := p.HandleWorkOrderRequest(raw, nil)

	var env Envelope
	require.NoError(t, json.Unmarshal(respRaw, &env))
	require.Nil(t, env.Result)
	require.NotNil(t, env.Error)
	require.Equal(t, errs.Code(errs.KindCrypto), env.Error.Code)
	require.Equal(t, "wo-1", env.Error.Data["workOrderId"])
}

// sessionKeyFromRaw re-derives the session key a test already generated by
// decrypting the request's own encryptedSessionKey.
func sessionKeyFromRaw(t *testing.T, id *identity.Identity, raw []byte) []byte {
	t.Helper()
	var req workorder.Request
	require.NoError(t, json.Unmarshal(raw, &req))
	ct, err := crypto.HexDecode(req.Params.EncryptedSessionKey)
	require.NoError(t, err)
	key, err := id.Decrypt(ct)
	require.NoError(t, err)
	return key
}

// wantResponseHash independently recomputes §4.7's response-hash rule
// (h1' = SHA256(workerNonce||workOrderId||workerId||workloadId||
// requesterId), H_resp = SHA256(b64(h1')||concat_i b64(h_out_i)) over
// outData sorted by index) without calling the package's own responseHash,
// so this test can actually catch a deviation between the two.
func wantResponseHash(r *Result) [32]byte {
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

func verifyResponseSignature(t *testing.T, id *identity.Identity, env *Envelope) {
	t.Helper()
	sig, err := crypto.B64Decode(env.Result.WorkerSignature)
	require.NoError(t, err)
	h := wantResponseHash(env.Result)
	pubPEM, err := id.PublicSigningPEM()
	require.NoError(t, err)
	verifyingKey, err := crypto.VerifyingKeyFromPEM(pubPEM)
	require.NoError(t, err)
	require.Equal(t, crypto.Valid, verifyingKey.Verify(h[:], sig))
}
