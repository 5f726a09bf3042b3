// Package workorder implements the typed view over a JSON-RPC work-order
// request (C5) and the per-item decrypt/encrypt handler (C6).
package workorder

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// DataItem is one element of inData/outData, per spec.md §3.
type DataItem struct {
	Index                      uint32 `json:"index"`
	DataHash                   string `json:"dataHash"`
	Data                       string `json:"data"`
	EncryptedDataEncryptionKey string `json:"encryptedDataEncryptionKey"`
	IV                         string `json:"iv"`
}

// Concat reproduces item.concat from §4.5: dataHash || data ||
// encryptedDataEncryptionKey || iv, all as received.
func (d DataItem) Concat() []byte {
	var b strings.Builder
	b.WriteString(d.DataHash)
	b.WriteString(d.Data)
	b.WriteString(d.EncryptedDataEncryptionKey)
	b.WriteString(d.IV)
	return []byte(b.String())
}

// Params is the params object of a work-order JSON-RPC request.
type Params struct {
	ResponseTimeoutMSecs  int64      `json:"responseTimeoutMSecs"`
	PayloadFormat         string     `json:"payloadFormat"`
	WorkOrderID           string     `json:"workOrderId"`
	WorkerID              string     `json:"workerId"`
	WorkloadID            string     `json:"workloadId"`
	RequesterID           string     `json:"requesterId"`
	EncryptedSessionKey   string     `json:"encryptedSessionKey"`
	SessionKeyIV          string     `json:"sessionKeyIv"`
	RequesterNonce        string     `json:"requesterNonce"`
	EncryptedRequestHash  string     `json:"encryptedRequestHash"`
	InData                []DataItem `json:"inData"`
	OutData               []DataItem `json:"outData"`
	VerifyingKey          string     `json:"verifyingKey,omitempty"`
	ResultURI             string     `json:"resultUri,omitempty"`
	NotifyURI             string     `json:"notifyUri,omitempty"`
	WorkerEncryptionKey   string     `json:"workerEncryptionKey,omitempty"`
	DataEncryptionAlgo    string     `json:"dataEncryptionAlgorithm,omitempty"`
	RequesterSignature    string     `json:"requesterSignature,omitempty"`
}

// Request is the full JSON-RPC request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  Params          `json:"params"`
}

// Parse decodes and validates a raw JSON-RPC work-order request, per §4.5:
// payloadFormat must equal "json-rpc" case-insensitively, and, if present,
// dataEncryptionAlgorithm must equal "AES-GCM-256".
func Parse(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errs.Input("workorder.Parse", "malformed JSON-RPC request: %w", err)
	}

	p := &req.Params
	if !strings.EqualFold(p.PayloadFormat, "json-rpc") {
		return nil, errs.Input("workorder.Parse", "unsupported payloadFormat %q", p.PayloadFormat)
	}
	if p.DataEncryptionAlgo != "" && p.DataEncryptionAlgo != "AES-GCM-256" {
		return nil, errs.Input("workorder.Parse", "unsupported dataEncryptionAlgorithm %q", p.DataEncryptionAlgo)
	}
	if p.WorkOrderID == "" || p.WorkerID == "" || p.WorkloadID == "" || p.RequesterID == "" {
		return nil, errs.Input("workorder.Parse", "missing required identifier field")
	}
	if p.EncryptedSessionKey == "" || p.SessionKeyIV == "" {
		return nil, errs.Input("workorder.Parse", "missing session key material")
	}
	if p.RequesterNonce == "" || p.EncryptedRequestHash == "" {
		return nil, errs.Input("workorder.Parse", "missing requesterNonce/encryptedRequestHash")
	}

	return &req, nil
}

// WorkloadName decodes workloadId from its hex-of-ASCII-bytes encoding.
func (r *Request) WorkloadName() (string, error) {
	raw, err := crypto.HexDecode(r.Params.WorkloadID)
	if err != nil {
		return "", errs.Input("workorder.Request.WorkloadName", "workloadId is not valid hex: %w", err)
	}
	return string(raw), nil
}

// sortedByIndex returns a copy of items sorted by Index.
func sortedByIndex(items []DataItem) []DataItem {
	out := append([]DataItem(nil), items...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// RequestHash computes H_req per §4.5's canonical request-hash algorithm.
func (r *Request) RequestHash() [32]byte {
	p := r.Params
	h1 := crypto.SHA256([]byte(p.RequesterNonce + p.WorkOrderID + p.WorkerID + p.WorkloadID + p.RequesterID))

	var buf strings.Builder
	buf.WriteString(crypto.B64Encode(h1[:]))

	for _, item := range sortedByIndex(p.InData) {
		h := crypto.SHA256(item.Concat())
		buf.WriteString(crypto.B64Encode(h[:]))
	}
	for _, item := range sortedByIndex(p.OutData) {
		h := crypto.SHA256(item.Concat())
		buf.WriteString(crypto.B64Encode(h[:]))
	}

	return crypto.SHA256([]byte(buf.String()))
}
