package vault

import (
	"context"
	"errors"
	"sync"
)

// MemoryVault is an in-memory Vault for tests.
type MemoryVault struct {
	mu      sync.RWMutex
	secrets map[[2]string]string
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[[2]string]string)}
}

func (v *MemoryVault) Store(ctx context.Context, service, account, secret string) error {
	if service == "" || account == "" {
		return errors.New("vault: service and account are required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[[2]string{service, account}] = secret
	return nil
}

func (v *MemoryVault) Retrieve(ctx context.Context, service, account string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.secrets[[2]string{service, account}]
	if !ok {
		return "", ErrNotFound
	}
	return s, nil
}

func (v *MemoryVault) Delete(ctx context.Context, service, account string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, [2]string{service, account})
	return nil
}
