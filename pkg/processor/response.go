// Package processor implements the work-order processor core (C7): key
// unwrapping, request-hash verification, optional requester-signature
// verification, workload dispatch, response signing, and JSON-RPC response
// assembly, across the Singleton, KME, and WPE variants.
package processor

import (
	"encoding/json"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/workorder"
)

// Result is the JSON-RPC result payload for a successful work order.
type Result struct {
	WorkOrderID                 string               `json:"workOrderId"`
	WorkloadID                  string               `json:"workloadId"`
	WorkerID                    string               `json:"workerId"`
	RequesterID                 string               `json:"requesterId"`
	WorkerNonce                 string               `json:"workerNonce"`
	WorkerSignature             string               `json:"workerSignature"`
	OutData                     []workorder.DataItem `json:"outData"`
	ExtVerificationKey          string               `json:"extVerificationKey,omitempty"`
	ExtVerificationKeySignature string               `json:"extVerificationKeySignature,omitempty"`
}

// Envelope is the full JSON-RPC 2.0 response: exactly one of Result or
// Error is populated.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *Result         `json:"result,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the JSON-RPC error object, per spec.md §6.
type ErrorBody struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// successEnvelope builds the success response.
func successEnvelope(id json.RawMessage, result *Result) *Envelope {
	return &Envelope{JSONRPC: "2.0", ID: id, Result: result}
}

// errorEnvelope is the single catch-boundary conversion named in §4.7's
// error-response rule and §7's propagation policy: any error becomes this
// envelope, never a partial result, never an abort.
func errorEnvelope(id json.RawMessage, workOrderID string, err error) *Envelope {
	kind := errs.As(err)
	return &Envelope{
		JSONRPC: "2.0",
		ID:      id,
		Error: &ErrorBody{
			Code:    errs.Code(kind),
			Message: err.Error(),
			Data:    map[string]any{"workOrderId": workOrderID},
		},
	}
}
