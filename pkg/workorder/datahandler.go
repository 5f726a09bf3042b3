package workorder

import (
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// KeyResolver answers "what AES key should item i use", per the §3
// data-key resolution rule. SessionKey is the unwrapped RSA session key;
// ResolveItemKey decrypts encryptedDataEncryptionKey for the "otherwise"
// branch (RSA for Singleton/KME, the KME bundle's unwrapped key for WPE).
type KeyResolver interface {
	SessionKey() []byte
	ResolveItemKey(index uint32, encryptedDataEncryptionKey string) ([]byte, error)
}

// passthroughMarker and isNullMarker cover the special
// encryptedDataEncryptionKey sentinel values from §3.
const passthroughMarker = "-"

func isNullMarker(s string) bool {
	return s == "" || s == "null"
}

// effectiveKey resolves the AES key for item per the §3 rule. A nil key
// with passthrough=true means "passthrough, no encryption".
func effectiveKey(resolver KeyResolver, item DataItem) (key []byte, passthrough bool, err error) {
	switch {
	case isNullMarker(item.EncryptedDataEncryptionKey):
		return resolver.SessionKey(), false, nil
	case item.EncryptedDataEncryptionKey == passthroughMarker:
		return nil, true, nil
	default:
		k, err := resolver.ResolveItemKey(item.Index, item.EncryptedDataEncryptionKey)
		if err != nil {
			return nil, false, err
		}
		return k, false, nil
	}
}

// Unpacked is a decrypted work-order item, ready for a workload to read.
type Unpacked struct {
	Index uint32
	Data  []byte
}

// Unpack decrypts and hash-verifies one item per §4.6.
func Unpack(resolver KeyResolver, item DataItem) (*Unpacked, error) {
	const op = "workorder.Unpack"

	key, passthrough, err := effectiveKey(resolver, item)
	if err != nil {
		return nil, err
	}

	var decrypted []byte
	if item.Data != "" {
		raw, err := crypto.B64Decode(item.Data)
		if err != nil {
			return nil, errs.Input(op, "item %d: bad base64 data: %w", item.Index, err)
		}
		if passthrough {
			decrypted = raw
		} else {
			iv, err := crypto.HexDecode(item.IV)
			if err != nil {
				return nil, errs.Input(op, "item %d: bad hex iv: %w", item.Index, err)
			}
			decrypted, err = crypto.DecryptWithIV(key, iv, raw)
			if err != nil {
				return nil, errs.Wrap(errs.KindCrypto, op, err)
			}
		}
	}

	if item.DataHash != "" {
		want, err := crypto.HexDecode(item.DataHash)
		if err != nil {
			return nil, errs.Input(op, "item %d: bad hex dataHash: %w", item.Index, err)
		}
		got := crypto.SHA256(decrypted)
		if !bytesEqual(got[:], want) {
			return nil, errs.Crypto(op, "item %d: data hash mismatch", item.Index)
		}
	}

	return &Unpacked{Index: item.Index, Data: decrypted}, nil
}

// Pack re-encrypts an output item per §4.6: reuse the request's outData
// entry's iv/encryptedDataEncryptionKey if the item already existed there,
// otherwise inherit the session key and sessionKeyIv.
func Pack(resolver KeyResolver, existing *DataItem, sessionKeyIV string, out Unpacked) (DataItem, error) {
	const op = "workorder.Pack"

	var ivHex, encKeyField string
	var key []byte
	passthrough := false

	switch {
	case existing != nil:
		ivHex = existing.IV
		encKeyField = existing.EncryptedDataEncryptionKey
		k, pt, err := effectiveKey(resolver, *existing)
		if err != nil {
			return DataItem{}, err
		}
		key, passthrough = k, pt
	default:
		ivHex = sessionKeyIV
		encKeyField = ""
		key = resolver.SessionKey()
	}

	item := DataItem{
		Index:                      out.Index,
		EncryptedDataEncryptionKey: encKeyField,
		IV:                         ivHex,
	}

	hash := crypto.SHA256(out.Data)
	item.DataHash = crypto.HexEncode(hash[:])

	if passthrough {
		item.Data = crypto.B64Encode(out.Data)
		return item, nil
	}

	iv, err := crypto.HexDecode(ivHex)
	if err != nil {
		return DataItem{}, errs.Input(op, "item %d: bad hex iv: %w", out.Index, err)
	}
	ciphertext, err := crypto.EncryptWithIV(key, iv, out.Data)
	if err != nil {
		return DataItem{}, errs.Wrap(errs.KindCrypto, op, err)
	}
	item.Data = crypto.B64Encode(ciphertext)
	return item, nil
}

func bytesEqual(a, b []byte) bool {
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
