package processor

import (
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/identity"
)

// identityResolver resolves per-item keys by RSA-decrypting
// encryptedDataEncryptionKey with the enclave identity's private encryption
// key, per §3's "otherwise" branch. Singleton and KME both use this: they
// hold the RSA key the requester encrypted against directly.
type identityResolver struct {
	id         *identity.Identity
	sessionKey []byte
}

func (r *identityResolver) SessionKey() []byte { return r.sessionKey }

func (r *identityResolver) ResolveItemKey(_ uint32, encryptedDataEncryptionKey string) ([]byte, error) {
	ct, err := crypto.HexDecode(encryptedDataEncryptionKey)
	if err != nil {
		return nil, errs.Input("processor.identityResolver.ResolveItemKey", "bad hex encryptedDataEncryptionKey: %w", err)
	}
	return r.id.Decrypt(ct)
}

// bundleResolver resolves per-item keys out of a WPE's already-unwrapped
// KME bundle, keyed by item index rather than by the ciphertext field
// (the WPE never holds an RSA key the requester encrypted directly
// against; every data key it can use was already unwrapped by pkg/wpe).
type bundleResolver struct {
	sessionKey []byte
	dataKeys   map[uint32][]byte
}

func (r *bundleResolver) SessionKey() []byte { return r.sessionKey }

func (r *bundleResolver) ResolveItemKey(index uint32, _ string) ([]byte, error) {
	key, ok := r.dataKeys[index]
	if !ok {
		return nil, errs.Input("processor.bundleResolver.ResolveItemKey", "no bundle data key for item %d", index)
	}
	return key, nil
}
