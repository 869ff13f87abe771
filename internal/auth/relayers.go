// Package auth models relayer authority: the address set contracts consult,
// and the bearer tokens the API accepts for relayer-only operations.
package auth

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Authorizer decides whether an address may act as the relayer.
type Authorizer interface {
	IsRelayer(addr common.Address) bool
}

// RelayerSet is a mutable set of relayer addresses. Keys can be rotated by
// adding the new address before removing the old one.
type RelayerSet struct {
	mu      sync.RWMutex
	members map[common.Address]struct{}
}

// NewRelayerSet returns a set holding addrs.
func NewRelayerSet(addrs ...common.Address) *RelayerSet {
	s := &RelayerSet{members: make(map[common.Address]struct{}, len(addrs))}
	for _, a := range addrs {
		s.members[a] = struct{}{}
	}
	return s
}

// Add grants relayer authority to addr.
func (s *RelayerSet) Add(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[addr] = struct{}{}
}

// Remove revokes relayer authority from addr.
func (s *RelayerSet) Remove(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, addr)
}

// IsRelayer implements Authorizer.
func (s *RelayerSet) IsRelayer(addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[addr]
	return ok
}

// Members returns the relayers sorted by address.
func (s *RelayerSet) Members() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, 0, len(s.members))
	for a := range s.members {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
