// Package errs defines the error taxonomy shared by every component of the
// work-order core. Every failure surfaced to a caller is one of these five
// kinds; the processor's single catch boundary (pkg/processor) converts the
// kind into a JSON-RPC error code or a signup result code.
package errs

import "fmt"

// Kind is one of the five error taxonomy buckets from spec.md §7.
type Kind int

const (
	// KindInput covers missing/malformed JSON fields, bad base64/hex, wrong
	// nonce or key sizes.
	KindInput Kind = iota
	// KindCrypto covers AES-GCM tag failures, ECDSA verify returning
	// invalid, and RSA decrypt failures.
	KindCrypto
	// KindAttestation covers any failure in the attestation validation
	// chain.
	KindAttestation
	// KindState covers replication uid/nonce mismatches and registry
	// lookup misses.
	KindState
	// KindInternal covers CSPRNG exhaustion, OOM, and "should not happen"
	// library failures.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "InputError"
	case KindCrypto:
		return "CryptoError"
	case KindAttestation:
		return "AttestationError"
	case KindState:
		return "StateError"
	case KindInternal:
		return "InternalError"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying cause with a taxonomy Kind so that processor
// boundaries can pattern-match on errors.As without inspecting message text.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "workorder.VerifyHash"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Input(op, format string, args ...any) *Error {
	return newf(KindInput, op, format, args...)
}

func Crypto(op, format string, args ...any) *Error {
	return newf(KindCrypto, op, format, args...)
}

func Attestation(op, format string, args ...any) *Error {
	return newf(KindAttestation, op, format, args...)
}

func State(op, format string, args ...any) *Error {
	return newf(KindState, op, format, args...)
}

func Internal(op, format string, args ...any) *Error {
	return newf(KindInternal, op, format, args...)
}

// Wrap attaches a Kind to an existing error without reformatting its message,
// for the common case of propagating a lower-layer error unchanged.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// As extracts the Kind of err, defaulting to KindInternal if err does not
// carry one. Used by the JSON-RPC error envelope builder.
func As(err error) Kind {
	var e *Error
	if ok := errorsAs(err, &e); ok {
		return e.Kind
	}
	return KindInternal
}

// errorsAs walks err's Unwrap chain by hand and reports the first *Error on
// it, so this file needs no import of "errors".
func errorsAs(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Code maps a Kind to the dense JSON-RPC error code range from spec.md §6/§7.
func Code(kind Kind) int {
	switch kind {
	case KindInput:
		return -32001
	case KindCrypto:
		return -32002
	case KindAttestation:
		return -32003
	case KindState:
		return -32004
	default:
		return -32000
	}
}
