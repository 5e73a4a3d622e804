package roles_test

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"qeuro/internal/protocol"
	"qeuro/internal/roles"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func newRegistry(t *testing.T) *roles.Registry {
	t.Helper()
	r, err := roles.NewRegistry(admin)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestBootstrapGrantsAdminAllRoles(t *testing.T) {
	r := newRegistry(t)
	for _, role := range []roles.Role{roles.DefaultAdmin, roles.Governance, roles.Emergency, roles.Upgrader, roles.OracleManager} {
		if !r.Has(admin, role) {
			t.Fatalf("admin missing %s after bootstrap", role)
		}
	}
}

func TestNewRegistryZeroAdmin(t *testing.T) {
	if _, err := roles.NewRegistry(common.Address{}); !errors.Is(err, protocol.ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
}

func TestGrantRevoke(t *testing.T) {
	r := newRegistry(t)

	if err := r.Grant(admin, roles.Emergency, operator); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !r.Has(operator, roles.Emergency) {
		t.Fatal("operator should hold EMERGENCY after grant")
	}
	if r.Has(operator, roles.Governance) {
		t.Fatal("grant must not leak into other roles")
	}

	if err := r.Revoke(admin, roles.Emergency, operator); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if r.Has(operator, roles.Emergency) {
		t.Fatal("operator should not hold EMERGENCY after revoke")
	}
}

func TestGrantRequiresAdmin(t *testing.T) {
	r := newRegistry(t)
	if err := r.Grant(stranger, roles.Governance, operator); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := r.Revoke(stranger, roles.Governance, admin); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestGrantValidation(t *testing.T) {
	r := newRegistry(t)
	if err := r.Grant(admin, roles.Role("JANITOR"), operator); !errors.Is(err, protocol.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
	if err := r.Grant(admin, roles.Governance, common.Address{}); !errors.Is(err, protocol.ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
}

func TestMembersOfSorted(t *testing.T) {
	r := newRegistry(t)
	if err := r.Grant(admin, roles.Governance, operator); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	members := r.MembersOf(roles.Governance)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].Hex() > members[1].Hex() {
		t.Fatal("members not sorted")
	}
}
