package kme

import (
	"encoding/json"
	"strings"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/encryption"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/identity"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/kme/store"
)

// StateUID implements state-uid, run on the primary: mint a fresh 16-byte
// nonce, stash it as the single outstanding handshake slot, and hand it to
// the replica. A second call before the matching GetState overwrites the
// first, per spec.md §5's ordering guarantee (c).
func (r *Registry) StateUID() (uidHex string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := crypto.Random(16)
	if err != nil {
		return "", err
	}
	r.stateUIDHex = crypto.HexEncode(raw)
	r.haveStateUID = true
	return r.stateUIDHex, nil
}

// StateRequest implements state-request(uid), run on the replica: mint the
// replica's own nonce, stash it as the outstanding request slot, and sign
// uid||nonce with the replica's current identity so the primary can
// authenticate the request in GetState.
func (r *Registry) StateRequest(replicaID *identity.Identity, uidHex string) (nonceHex, sigHex string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := crypto.Random(16)
	if err != nil {
		return "", "", err
	}
	nonceHex = crypto.HexEncode(raw)
	r.stateReqNonceHex = nonceHex
	r.haveStateReqNonce = true

	digest := crypto.SHA256([]byte(uidHex + nonceHex))
	sig, err := replicaID.Sign(digest[:])
	if err != nil {
		return "", "", err
	}
	return nonceHex, crypto.HexEncode(sig), nil
}

// GetStateRequest is the get-state call's input, per spec.md §4.8. The
// attestation that binds ReplicaVerifyingKeyPEM/ReplicaEncryptionKeyPEM to a
// freshly-measured replica enclave is verified by the caller (the
// processor's KME variant) before this is invoked, the same boundary
// Register already uses for kme-reg's proof_data.
type GetStateRequest struct {
	UID                    string
	Nonce                  string
	UIDNonceSignature      []byte // DER, by the replica's current signing key
	ReplicaVerifyingKeyPEM string
	ReplicaEncryptionKeyPEM string
}

// StateTransfer is the get-state response, per spec.md §4.8.
type StateTransfer struct {
	UID            string
	Nonce          string
	EncryptedKeyHex string // RSA-OAEP(replica_pub_enc, K)
	EncryptedStateB64 string // AES-GCM(K, state_bytes)
	SignatureB64   string
}

// registryStateSnapshot is the structured (not delimiter-fragile) encoding
// of the registered/pending maps transferred inside the state blob. §9's
// design notes call the original's "," " " ":" "|" delimiter scheme out as
// fragile against PEM newlines; since the whole blob is end-to-end
// encrypted before it ever reaches the wire, the inner format is private to
// this codebase and a plain JSON document is simpler and unambiguous.
type registryStateSnapshot struct {
	Registered map[string]store.WPEInfo `json:"registered"`
	Pending    map[string][]byte        `json:"pending"`
}

// GetState implements get-state, run on the primary: authenticate the
// replica's signed (uid, nonce), package the primary's sealed identity plus
// its registry snapshot under a fresh AES key, wrap that key to the
// replica's encryption key, and sign the whole transfer. Clears the
// outstanding state_uid_hex slot on return, success or failure.
func (r *Registry) GetState(primaryID *identity.Identity, req GetStateRequest) (*StateTransfer, Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { r.haveStateUID = false; r.stateUIDHex = "" }()

	if !r.haveStateUID || req.UID != r.stateUIDHex {
		return nil, KmeReplUIDMismatch
	}

	replicaKey, err := crypto.VerifyingKeyFromPEM(req.ReplicaVerifyingKeyPEM)
	if err != nil {
		return nil, KmeReplSigVerifFailed
	}
	challengeDigest := crypto.SHA256([]byte(req.UID + req.Nonce))
	if replicaKey.Verify(challengeDigest[:], req.UIDNonceSignature) != crypto.Valid {
		return nil, KmeReplSigVerifFailed
	}

	sealed, err := primaryID.Sealed()
	if err != nil {
		return nil, WpeRegFailed
	}
	registered, err := r.store.ListRegistered()
	if err != nil {
		return nil, WpeRegFailed
	}
	pending, err := r.store.ListPending()
	if err != nil {
		return nil, WpeRegFailed
	}
	snapshotJSON, err := json.Marshal(registryStateSnapshot{Registered: registered, Pending: pending})
	if err != nil {
		return nil, WpeRegFailed
	}

	stateBytes := []byte(string(sealed) + ";" + string(snapshotJSON))

	symKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, WpeRegFailed
	}
	encState, err := crypto.Encrypt(symKey, stateBytes)
	if err != nil {
		return nil, WpeRegFailed
	}
	encKey, err := encryption.Encrypt(symKey, []byte(req.ReplicaEncryptionKeyPEM))
	if err != nil {
		return nil, WpeRegFailed
	}

	stateHash := crypto.SHA256(stateBytes)
	sigDigest := crypto.SHA256(concatBytes(stateHash[:], symKey, []byte(req.UID), []byte(req.Nonce)))
	sig, err := primaryID.Sign(sigDigest[:])
	if err != nil {
		return nil, WpeRegFailed
	}

	return &StateTransfer{
		UID:               req.UID,
		Nonce:             req.Nonce,
		EncryptedKeyHex:   crypto.HexEncode(encKey),
		EncryptedStateB64: crypto.B64Encode(encState),
		SignatureB64:      crypto.B64Encode(sig),
	}, KmeReplOpSuccess
}

// SetStateRequest is the set-state call's input, per spec.md §4.8.
type SetStateRequest struct {
	UID               string
	Nonce             string
	EncryptedKeyHex   string
	EncryptedStateB64 string
	SignatureB64      string
}

// SetState implements set-state, run on the replica: authenticate the
// expected nonce, unwrap the transfer under the replica's own (pre-
// replacement) identity, verify the primary's signature over the plaintext
// state, and rehydrate the registry and a new identity from it; the
// process-wide identity singleton is not touched here. Returns the freshly
// sealed (now primary-identical) identity so the
// caller can install it and persist the new sealed blob. Clears the
// outstanding state_req_nonce_hex slot on return, success or failure.
func (r *Registry) SetState(replicaID *identity.Identity, req SetStateRequest, primaryVerifyingPEM string) (sealed []byte, newIdentity *identity.Identity, code Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { r.haveStateReqNonce = false; r.stateReqNonceHex = "" }()

	if !r.haveStateReqNonce || req.Nonce != r.stateReqNonceHex {
		return nil, nil, KmeReplNonceMismatch
	}

	encKey, err := crypto.HexDecode(req.EncryptedKeyHex)
	if err != nil {
		return nil, nil, KmeReplSigVerifFailed
	}
	symKey, err := replicaID.Decrypt(encKey)
	if err != nil {
		return nil, nil, KmeReplSigVerifFailed
	}
	defer zeroize(symKey)

	encState, err := crypto.B64Decode(req.EncryptedStateB64)
	if err != nil {
		return nil, nil, KmeReplSigVerifFailed
	}
	stateBytes, err := crypto.Decrypt(symKey, encState)
	if err != nil {
		return nil, nil, KmeReplSigVerifFailed
	}

	primaryKey, err := crypto.VerifyingKeyFromPEM(primaryVerifyingPEM)
	if err != nil {
		return nil, nil, KmeReplSigVerifFailed
	}
	sigDER, err := crypto.B64Decode(req.SignatureB64)
	if err != nil {
		return nil, nil, KmeReplSigVerifFailed
	}
	stateHash := crypto.SHA256(stateBytes)
	sigDigest := crypto.SHA256(concatBytes(stateHash[:], symKey, []byte(req.UID), []byte(req.Nonce)))
	if primaryKey.Verify(sigDigest[:], sigDER) != crypto.Valid {
		return nil, nil, KmeReplSigVerifFailed
	}

	parts := strings.SplitN(string(stateBytes), ";", 2)
	if len(parts) != 2 {
		return nil, nil, KmeReplSigVerifFailed
	}
	sealedIdentityJSON, snapshotJSON := parts[0], parts[1]

	id, err := identity.InitFromSealed([]byte(sealedIdentityJSON))
	if err != nil {
		return nil, nil, KmeReplSigVerifFailed
	}

	var snapshot registryStateSnapshot
	if err := json.Unmarshal([]byte(snapshotJSON), &snapshot); err != nil {
		return nil, nil, KmeReplSigVerifFailed
	}
	for pem, info := range snapshot.Registered {
		if err := r.store.SaveRegistered(pem, info); err != nil {
			return nil, nil, WpeRegFailed
		}
	}
	for uid, key := range snapshot.Pending {
		if err := r.store.SavePending(uid, key); err != nil {
			return nil, nil, WpeRegFailed
		}
	}

	resealed, err := id.Sealed()
	if err != nil {
		return nil, nil, WpeRegFailed
	}
	return resealed, id, KmeReplOpSuccess
}

func concatBytes(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
