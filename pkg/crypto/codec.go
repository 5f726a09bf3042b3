package crypto

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// HexEncode/HexDecode and B64Encode/B64Decode are the thin codec helpers C1
// exposes so that every other component shares one place that decides
// "std" vs "url-safe" base64 and lower-case vs upper-case hex.

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errs.Input("crypto.HexDecode", "invalid hex: %w", err)
	}
	return b, nil
}

// B64Encode uses standard (not URL-safe) base64 with padding, matching the
// wire format JSON-RPC payloads use throughout spec.md §6.
func B64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func B64Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Input("crypto.B64Decode", "invalid base64: %w", err)
	}
	return b, nil
}
