package roles

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"qeuro/internal/protocol"
)

// Role names the protocol's access-control roles.
type Role string

const (
	DefaultAdmin  Role = "DEFAULT_ADMIN"
	Governance    Role = "GOVERNANCE"
	Emergency     Role = "EMERGENCY"
	Upgrader      Role = "UPGRADER"
	OracleManager Role = "ORACLE_MANAGER"
)

// Valid reports whether r is one of the protocol roles.
func (r Role) Valid() bool {
	switch r {
	case DefaultAdmin, Governance, Emergency, Upgrader, OracleManager:
		return true
	}
	return false
}

// Registry is the in-memory role membership table shared by all protocol
// components. Mutations go through the engine loop; reads take the lock
// directly so query paths never block behind in-flight operations.
type Registry struct {
	mu      sync.RWMutex
	members map[Role]map[common.Address]struct{}
}

// NewRegistry creates a registry with admin holding every role. The admin
// address must be non-zero.
func NewRegistry(admin common.Address) (*Registry, error) {
	if admin == (common.Address{}) {
		return nil, protocol.ErrZeroAddress
	}
	r := &Registry{members: make(map[Role]map[common.Address]struct{})}
	for _, role := range []Role{DefaultAdmin, Governance, Emergency, Upgrader, OracleManager} {
		r.members[role] = map[common.Address]struct{}{admin: {}}
	}
	return r, nil
}

// Grant adds addr to role. Only DEFAULT_ADMIN holders may grant.
func (r *Registry) Grant(caller common.Address, role Role, addr common.Address) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", protocol.ErrInvalidConfiguration, role)
	}
	if addr == (common.Address{}) {
		return protocol.ErrZeroAddress
	}
	if err := r.Require(caller, DefaultAdmin); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[role][addr] = struct{}{}
	return nil
}

// Revoke removes addr from role. Only DEFAULT_ADMIN holders may revoke.
func (r *Registry) Revoke(caller common.Address, role Role, addr common.Address) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", protocol.ErrInvalidConfiguration, role)
	}
	if err := r.Require(caller, DefaultAdmin); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[role], addr)
	return nil
}

// Has reports whether addr holds role.
func (r *Registry) Has(addr common.Address, role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[role][addr]
	return ok
}

// Require returns ErrUnauthorized unless addr holds role.
func (r *Registry) Require(addr common.Address, role Role) error {
	if !r.Has(addr, role) {
		return fmt.Errorf("%w: %s lacks %s", protocol.ErrUnauthorized, addr.Hex(), role)
	}
	return nil
}

// MembersOf returns the sorted member list for role.
func (r *Registry) MembersOf(role Role) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Address, 0, len(r.members[role]))
	for addr := range r.members[role] {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hex() < out[j].Hex()
	})
	return out
}
