package attestation

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Layr-Labs/avalon-enclave-kms/pkg/errs"
)

// Manager routes a verification request to the registered Method by name,
// the same registry-plus-dispatch shape used throughout this codebase for
// pluggable variants (see pkg/workload's registry).
type Manager struct {
	methods map[string]Method
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager creates an empty attestation manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		methods: make(map[string]Method),
		logger:  logger,
	}
}

// Register adds a Method to the manager, replacing any existing method of
// the same name.
func (m *Manager) Register(method Method) error {
	if method == nil {
		return fmt.Errorf("attestation method is nil")
	}
	name := method.Name()
	if name == "" {
		return fmt.Errorf("attestation method has empty name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[name] = method
	m.logger.Info("registered attestation method", zap.String("method", name))
	return nil
}

// HasMethod reports whether name is registered.
func (m *Manager) HasMethod(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.methods[name]
	return ok
}

// VerifyWithMethod dispatches request to the named Method.
func (m *Manager) VerifyWithMethod(name string, request *Request) (*Claims, error) {
	m.mu.RLock()
	method, ok := m.methods[name]
	m.mu.RUnlock()

	if !ok {
		return nil, errs.Attestation("attestation.Manager.VerifyWithMethod", "method %q is not registered", name)
	}

	claims, err := method.Verify(request)
	if err != nil {
		m.logger.Warn("attestation verification failed", zap.String("method", name), zap.Error(err))
		return nil, err
	}
	m.logger.Debug("attestation verified", zap.String("method", name))
	return claims, nil
}
