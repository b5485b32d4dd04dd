package ring

import (
	"sync"
	"testing"

	"github.com/galera-project/gcache/masterkey"
)

// deletableMockProvider wraps masterkey.MockProvider with a test-only
// delete operation, so a rotation test can prove a reopen succeeds
// with only the new Master Key present.
type deletableMockProvider struct {
	mu sync.Mutex
	*masterkey.MockProvider
	deleted map[string]bool
}

func (p *deletableMockProvider) delete(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted == nil {
		p.deleted = make(map[string]bool)
	}
	p.deleted[name] = true
}

func (p *deletableMockProvider) Get(name string) ([]byte, error) {
	p.mu.Lock()
	if p.deleted[name] {
		p.mu.Unlock()
		return nil, masterkey.ErrNotFound
	}
	p.mu.Unlock()
	return p.MockProvider.Get(name)
}

func (p *deletableMockProvider) Exists(name string) (bool, error) {
	p.mu.Lock()
	if p.deleted[name] {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()
	return p.MockProvider.Exists(name)
}

func newEncTestProvider(t *testing.T) masterkey.Provider {
	t.Helper()
	return &deletableMockProvider{MockProvider: masterkey.NewMockProvider()}
}
