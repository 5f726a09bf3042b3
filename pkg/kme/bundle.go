package kme

import (
	"encoding/json"
	"sort"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/encryption"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/identity"
)

// DataKeyEntry is one input-data-keys/output-data-keys slot, mirroring
// pkg/wpe's wire shape (the two packages share a contract, not a Go type,
// since pkg/wpe is the WPE-side consumer of a format the KME produces
// here).
type DataKeyEntry struct {
	Index            uint32 `json:"index"`
	EncryptedDataKey string `json:"encrypted-data-key"`
}

// ItemKey is one item's plaintext data key input to BuildBundle: either a
// real AES key, or one of the §3 passthrough markers ("-", "", "null")
// that travel unencrypted.
type ItemKey struct {
	Index  uint32
	Key    []byte // nil when Marker is set
	Marker string // "-", "", or "null"; empty with a non-nil Key means "use Key"
}

// Bundle is the wire JSON the KME hands to a WPE, per spec.md §3.
type Bundle struct {
	Signature             string         `json:"signature"`
	EncryptedSymKey        string         `json:"encrypted-sym-key"`
	EncryptedWOKey         string         `json:"encrypted-wo-key"`
	EncryptedWOSigningKey  string         `json:"encrypted-wo-signing-key"`
	WOVerificationKey      string         `json:"wo-verification-key"`
	WOVerificationKeySig   string         `json:"wo-verification-key-sig"`
	InputDataKeys          []DataKeyEntry `json:"input-data-keys"`
	OutputDataKeys         []DataKeyEntry `json:"output-data-keys"`
}

// BuildBundle assembles a fresh per-work-order key bundle, per spec.md §3:
// a fresh AES key K wraps a fresh ECDSA signing keypair (s_wo, V_wo) and the
// requester's session key, plus every item's plaintext data key; the whole
// thing is signed by the KME's own identity over the bundle hash.
func BuildBundle(kmeID *identity.Identity, wpePubEncPEM string, requesterSessionKey []byte, requesterNonce string, in, out []ItemKey) (*Bundle, error) {
	const op = "kme.BuildBundle"

	symKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}

	woSigningKey, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	voPEM, err := woSigningKey.PublicKey().PEM()
	if err != nil {
		return nil, err
	}

	encSymKeyCT, err := encryption.Encrypt(symKey, []byte(wpePubEncPEM))
	if err != nil {
		return nil, err
	}

	encWOKeyCT, err := crypto.Encrypt(symKey, requesterSessionKey)
	if err != nil {
		return nil, err
	}

	encWOSigningKeyCT, err := crypto.Encrypt(symKey, woSigningKey.Bytes())
	if err != nil {
		return nil, err
	}

	voSigDigest := crypto.SHA256([]byte(voPEM + requesterNonce))
	voSig, err := kmeID.Sign(voSigDigest[:])
	if err != nil {
		return nil, err
	}

	inEntries, err := wrapDataKeys(symKey, in)
	if err != nil {
		return nil, err
	}
	outEntries, err := wrapDataKeys(symKey, out)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		EncryptedSymKey:       crypto.HexEncode(encSymKeyCT),
		EncryptedWOKey:        crypto.B64Encode(encWOKeyCT),
		EncryptedWOSigningKey: crypto.B64Encode(encWOSigningKeyCT),
		WOVerificationKey:     voPEM,
		WOVerificationKeySig:  crypto.B64Encode(voSig),
		InputDataKeys:         inEntries,
		OutputDataKeys:        outEntries,
	}

	hash := bundleHash(b)
	sig, err := kmeID.Sign(hash[:])
	if err != nil {
		return nil, err
	}
	b.Signature = crypto.B64Encode(sig)

	_ = op
	return b, nil
}

// bundleHash reproduces spec.md §3's
// H( H(enc-sym||enc-wo||enc-sig) || ∑H(enc-in) || ∑H(enc-out) ), in/out
// sorted by index — identical to pkg/wpe's bundleHash, computed over the
// same field values so the two sides agree before `signature` is attached.
func bundleHash(b *Bundle) [32]byte {
	head := crypto.SHA256([]byte(b.EncryptedSymKey + b.EncryptedWOKey + b.EncryptedWOSigningKey))

	in := append([]DataKeyEntry(nil), b.InputDataKeys...)
	sort.Slice(in, func(i, j int) bool { return in[i].Index < in[j].Index })
	out := append([]DataKeyEntry(nil), b.OutputDataKeys...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	acc := append([]byte(nil), head[:]...)
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

// wrapDataKeys AES-GCM-encrypts each real key under K; "-"/null markers are
// preserved verbatim per §3 ("not encrypted").
func wrapDataKeys(symKey []byte, items []ItemKey) ([]DataKeyEntry, error) {
	out := make([]DataKeyEntry, 0, len(items))
	for _, it := range items {
		if it.Marker != "" || it.Key == nil {
			out = append(out, DataKeyEntry{Index: it.Index, EncryptedDataKey: it.Marker})
			continue
		}
		ct, err := crypto.Encrypt(symKey, it.Key)
		if err != nil {
			return nil, errs.Wrap(errs.KindCrypto, "kme.wrapDataKeys", err)
		}
		out = append(out, DataKeyEntry{Index: it.Index, EncryptedDataKey: crypto.B64Encode(ct)})
	}
	return out, nil
}

// Marshal serializes the bundle to its wire JSON.
func (b *Bundle) Marshal() ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, errs.Internal("kme.Bundle.Marshal", "marshal bundle: %w", err)
	}
	return raw, nil
}
