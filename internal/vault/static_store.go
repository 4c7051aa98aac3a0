package vault

import (
	"context"
	"sync"

	opx "github.com/opx-labs/opx/pkg/opx/v1/vault"
)

// StaticStore is a fixed in-memory credential store. It is primarily used in
// tests and embedded setups where credentials are provisioned up front.
type StaticStore struct {
	mu    sync.RWMutex
	creds map[string]*opx.Credential
}

// NewStaticStore creates a store pre-populated with the given credentials,
// keyed by their Name. Nil entries are ignored.
func NewStaticStore(creds ...*opx.Credential) *StaticStore {
	s := &StaticStore{creds: make(map[string]*opx.Credential, len(creds))}
	for _, c := range creds {
		if c != nil {
			s.creds[c.Name] = c
		}
	}
	return s
}

// Put adds or replaces a credential.
func (s *StaticStore) Put(cred *opx.Credential) {
	if cred == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.Name] = cred
}

// Get retrieves a credential by name. The returned credential is a copy;
// mutating it does not affect the store.
func (s *StaticStore) Get(_ context.Context, name string) (*opx.Credential, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[name]
	if !ok {
		return nil, false, nil
	}
	cpy := *c
	if c.Extra != nil {
		cpy.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			cpy.Extra[k] = v
		}
	}
	return &cpy, true, nil
}

// Ensure StaticStore implements the interface
var _ opx.Store = (*StaticStore)(nil)
