package kme

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/crypto"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
	"github.com/Layr-Labs/avalon-enclave-kms/pkg/kme/store"
)

// Config controls a Registry's behavior, per spec.md §4.8/§3.
type Config struct {
	// Store backs the pending/registered maps. Nil defaults to an
	// in-memory store.Memory.
	Store store.Store
	// MaxWoCount, if non-zero, evicts a registered WPE once its work-order
	// counter would reach this value.
	MaxWoCount uint64
	// SimulatorMode skips every attestation check in Register, per
	// original_source's SGX_SIMULATOR gate (spec.md SPEC_FULL §3 "Simulator
	// mode"). No mr_enclave check is made in this mode: a caller-supplied
	// measurement is not compared against the expected one either.
	SimulatorMode bool
}

// Registry is the KME's process-local, identity-owned WPE registry: the
// pending/registered maps plus the single-slot replication handshake
// scratch, per spec.md §3. It is mutated only from within an entry point,
// per §5's serialization discipline — the embedded mutex enforces that
// even if the host calls concurrently.
type Registry struct {
	mu     sync.Mutex
	store  store.Store
	cfg    Config
	logger *zap.Logger

	stateUIDHex       string
	haveStateUID      bool
	stateReqNonceHex  string
	haveStateReqNonce bool
}

// NewRegistry creates a Registry. A nil cfg.Store defaults to an in-memory
// backend.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	return &Registry{store: cfg.Store, cfg: cfg, logger: logger}
}

// SimulatorMode reports whether this registry skips attestation
// verification in Register, per Config.SimulatorMode.
func (r *Registry) SimulatorMode() bool {
	return r.cfg.SimulatorMode
}

// MintUID implements kme-uid(nonce_hex): generate a fresh ECDSA keypair,
// self-sign a binding to nonceHex, record the keypair under pending, and
// return (vKeyHex, sigHex).
func (r *Registry) MintUID(nonceHex string) (vKeyHex string, sigHex string, err error) {
	const op = "kme.Registry.MintUID"

	r.mu.Lock()
	defer r.mu.Unlock()

	uidKey, err := crypto.GenerateSigningKey()
	if err != nil {
		return "", "", err
	}
	vPEM, err := uidKey.PublicKey().PEM()
	if err != nil {
		return "", "", err
	}
	digest := crypto.SHA256([]byte(vPEM + nonceHex))
	sig, err := uidKey.Sign(digest[:])
	if err != nil {
		return "", "", err
	}

	uidHex := uidKey.PublicKey().UncompressedHex()
	if err := r.store.SavePending(uidHex, uidKey.Bytes()); err != nil {
		return "", "", errs.Internal(op, "save pending: %w", err)
	}

	r.logger.Info("kme-uid minted", zap.String("unique_id", uidHex))
	return uidHex, crypto.HexEncode(sig), nil
}

// RegisterRequest is the kme-reg JSON payload, per spec.md §4.8.
type RegisterRequest struct {
	UniqueID          string
	ProofData         []byte // attestation payload bytes, mode-specific
	WPEEncryptionKey  string // PEM
	MREnclave         []byte // 32 bytes, caller-claimed; Register does not read it
	AttestationClaims *AttestationClaims
}

// AttestationClaims is the subset of attestation.Claims kme-reg needs; kept
// local to avoid pkg/kme depending on the attestation verification chain
// itself — the caller (pkg/processor's KME variant) runs §4.3 validation
// and hands over only the extracted fields.
type AttestationClaims struct {
	MREnclave  [32]byte
	ReportData [64]byte
}

// Register implements kme-reg: move a pending entry into registered once
// its proof checks out, per spec.md §4.8. expectedMREnclave is the KME's
// own extended_data (the expected WPE measurement).
func (r *Registry) Register(req RegisterRequest, expectedMREnclave []byte) Code {
	r.mu.Lock()
	defer r.mu.Unlock()

	signingKey, ok, err := r.store.LoadPending(req.UniqueID)
	if err != nil || !ok {
		return WpeKeyNotFound
	}

	if !r.cfg.SimulatorMode {
		if req.AttestationClaims == nil {
			return WpeRegFailed
		}
		if !bytesEqual(req.AttestationClaims.MREnclave[:], expectedMREnclave) {
			return MrenclaveNotMatch
		}
		wantEncHash := crypto.SHA256([]byte(req.WPEEncryptionKey))
		if !bytesEqual(req.AttestationClaims.ReportData[0:32], wantEncHash[:]) {
			return EncryptionKeyNotMatch
		}
		wantUIDHash := crypto.SHA256([]byte(req.UniqueID))
		if !bytesEqual(req.AttestationClaims.ReportData[32:64], wantUIDHash[:]) {
			return UniqueIDNotMatch
		}
	}

	if err := r.store.SaveRegistered(req.WPEEncryptionKey, store.WPEInfo{SigningKey: signingKey, WorkOrderCount: 0}); err != nil {
		return WpeRegFailed
	}
	if err := r.store.DeletePending(req.UniqueID); err != nil {
		r.logger.Warn("kme-reg: registered but failed to clear pending entry", zap.Error(err))
	}

	r.logger.Info("wpe registered", zap.String("wpe_encryption_key_fingerprint", fingerprint(req.WPEEncryptionKey)))
	return WpeRegSuccess
}

// Preprocess implements the default-branch lookup-and-increment step of
// §4.8: resolve the registered WPE's signing key, enforce MaxWoCount, and
// return the signing key to build a bundle with. Evicts the WPE and
// returns WpeMaxWoCountReached when the incremented count would reach the
// cap.
func (r *Registry) Preprocess(wpePubEncPEM string) ([]byte, Code) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok, err := r.store.LoadRegistered(wpePubEncPEM)
	if err != nil || !ok {
		return nil, WpeKeyNotFound
	}

	if r.cfg.MaxWoCount != 0 && info.WorkOrderCount+1 >= r.cfg.MaxWoCount {
		if err := r.store.DeleteRegistered(wpePubEncPEM); err != nil {
			r.logger.Warn("preprocess: failed to evict capped wpe", zap.Error(err))
		}
		return nil, WpeMaxWoCountReached
	}

	info.WorkOrderCount++
	if err := r.store.SaveRegistered(wpePubEncPEM, info); err != nil {
		return nil, WpeRegFailed
	}

	return info.SigningKey, WpeRegSuccess
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

// fingerprint returns a short, log-safe identifier for a PEM blob instead
// of logging the key material itself.
func fingerprint(pemStr string) string {
	h := crypto.SHA256([]byte(pemStr))
	return crypto.HexEncode(h[:8])
}
