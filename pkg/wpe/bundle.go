// Package wpe implements the WPE-side consumer of a KME-minted key bundle
// (C9): parse, verify the integrity signature, and expose the unwrapped
// session key, signing key, and per-item data keys to the processor core.
package wpe

import (
	"encoding/json"
	"sort"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/encryption"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// DataKeyEntry is one encrypted-data-key slot in a bundle's input/output
// arrays, per spec.md §3.
type DataKeyEntry struct {
	Index           uint32 `json:"index"`
	EncryptedDataKey string `json:"encrypted-data-key"`
}

// wireBundle is the on-the-wire JSON shape of a KME→WPE bundle.
type wireBundle struct {
	Signature                string         `json:"signature"`
	EncryptedSymKey          string         `json:"encrypted-sym-key"`
	EncryptedWOKey           string         `json:"encrypted-wo-key"`
	EncryptedWOSigningKey    string         `json:"encrypted-wo-signing-key"`
	WOVerificationKey        string         `json:"wo-verification-key"`
	WOVerificationKeySig     string         `json:"wo-verification-key-sig"`
	InputDataKeys           []DataKeyEntry `json:"input-data-keys"`
	OutputDataKeys          []DataKeyEntry `json:"output-data-keys"`
}

// Bundle is the decoded, key-unwrapped form of a KME-issued key bundle,
// ready for the WPE processor variant to use.
type Bundle struct {
	WorkOrderSessionKey         []byte
	SigningKey                  *crypto.SigningKey
	VerificationKeyPEM          string
	VerificationKeySignatureB64 string

	InputDataKeys  map[uint32][]byte
	OutputDataKeys map[uint32][]byte
}

// bundleHash reproduces the §3 hash under `signature`:
// H( H(enc-sym||enc-wo||enc-sig) || ∑H(enc-in) || ∑H(enc-out) ), in/out
// sorted by index.
func bundleHash(w *wireBundle) [32]byte {
	head := crypto.SHA256([]byte(w.EncryptedSymKey + w.EncryptedWOKey + w.EncryptedWOSigningKey))

	in := append([]DataKeyEntry(nil), w.InputDataKeys...)
	sort.Slice(in, func(i, j int) bool { return in[i].Index < in[j].Index })
	out := append([]DataKeyEntry(nil), w.OutputDataKeys...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	var acc []byte
	acc = append(acc, head[:]...)
	for _, e := range in {
		h := crypto.SHA256([]byte(e.EncryptedDataKey))
		acc = append(acc, h[:]...)
	}
	for _, e := range out {
		h := crypto.SHA256([]byte(e.EncryptedDataKey))
		acc = append(acc, h[:]...)
	}
	return crypto.SHA256(acc)
}

// Parse decodes a bundle, verifies its integrity signature against the
// KME's verification key (kmeVerifyingPEM, taken from the WPE identity's
// extended_data at signup), unwraps the symmetric key with the WPE's own
// private encryption key, and decrypts the remaining key fields under it.
func Parse(raw []byte, wpePrivateEncryptionKeyPEM []byte, kmeVerifyingPEM string) (*Bundle, error) {
	const op = "wpe.Parse"

	var w wireBundle
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errs.Input(op, "malformed bundle JSON: %w", err)
	}

	sigDER, err := crypto.B64Decode(w.Signature)
	if err != nil {
		return nil, errs.Input(op, "bad base64 signature: %w", err)
	}
	kmeKey, err := crypto.VerifyingKeyFromPEM(kmeVerifyingPEM)
	if err != nil {
		return nil, err
	}
	hash := bundleHash(&w)
	if kmeKey.Verify(hash[:], sigDER) != crypto.Valid {
		return nil, errs.Attestation(op, "bundle signature verification failed")
	}

	symKeyCT, err := crypto.HexDecode(w.EncryptedSymKey)
	if err != nil {
		return nil, errs.Input(op, "bad hex encrypted-sym-key: %w", err)
	}
	symKey, err := encryption.Decrypt(symKeyCT, wpePrivateEncryptionKeyPEM)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, op, err)
	}

	woKeyCT, err := crypto.B64Decode(w.EncryptedWOKey)
	if err != nil {
		return nil, errs.Input(op, "bad base64 encrypted-wo-key: %w", err)
	}
	sessionKey, err := crypto.Decrypt(symKey, woKeyCT)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, op, err)
	}

	signingKeyCT, err := crypto.B64Decode(w.EncryptedWOSigningKey)
	if err != nil {
		return nil, errs.Input(op, "bad base64 encrypted-wo-signing-key: %w", err)
	}
	signingKeyBytes, err := crypto.Decrypt(symKey, signingKeyCT)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, op, err)
	}
	signingKey, err := crypto.SigningKeyFromBytes(signingKeyBytes)
	if err != nil {
		return nil, err
	}

	inKeys, err := unwrapDataKeys(symKey, w.InputDataKeys)
	if err != nil {
		return nil, err
	}
	outKeys, err := unwrapDataKeys(symKey, w.OutputDataKeys)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		WorkOrderSessionKey:         sessionKey,
		SigningKey:                  signingKey,
		VerificationKeyPEM:          w.WOVerificationKey,
		VerificationKeySignatureB64: w.WOVerificationKeySig,
		InputDataKeys:               inKeys,
		OutputDataKeys:              outKeys,
	}, nil
}

func unwrapDataKeys(symKey []byte, entries []DataKeyEntry) (map[uint32][]byte, error) {
	out := make(map[uint32][]byte, len(entries))
	for _, e := range entries {
		if e.EncryptedDataKey == "" || e.EncryptedDataKey == "-" || e.EncryptedDataKey == "null" {
			continue
		}
		ct, err := crypto.B64Decode(e.EncryptedDataKey)
		if err != nil {
			return nil, errs.Input("wpe.unwrapDataKeys", "item %d: bad base64: %w", e.Index, err)
		}
		key, err := crypto.Decrypt(symKey, ct)
		if err != nil {
			return nil, errs.Wrap(errs.KindCrypto, "wpe.unwrapDataKeys", err)
		}
		out[e.Index] = key
	}
	return out, nil
}
