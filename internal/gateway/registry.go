package gateway

import (
	"fmt"
	"sync"
)

// Registry maps accounts to clients, falling back to a default client for
// accounts without their own gateway settings.
type Registry struct {
	mu        sync.RWMutex
	def       Client
	byAccount map[string]Client
}

// NewRegistry creates a registry. def may be nil when every account is
// registered explicitly.
func NewRegistry(def Client) *Registry {
	return &Registry{def: def, byAccount: make(map[string]Client)}
}

// Register sets the client for one account.
func (r *Registry) Register(accountID string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAccount[accountID] = c
}

func (r *Registry) ClientFor(accountID string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byAccount[accountID]; ok {
		return c, nil
	}
	if r.def == nil {
		return nil, fmt.Errorf("no gateway configured for account %q: %w", accountID, ErrUpstream)
	}
	return r.def, nil
}
