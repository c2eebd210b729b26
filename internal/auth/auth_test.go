package auth

import (
	"context"
	"errors"
	"testing"

	"repoguard.org/internal/faults"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "developer"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, RoleDeveloper) || !HasRole(ctx, RoleAdmin) {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") {
		t.Fatalf("unexpected role found")
	}
}

func TestInMemoryDirectory(t *testing.T) {
	dir := NewInMemory()
	dir.PutUser(User{ID: "u1", Email: "dev@example.com", Role: RoleDeveloper, IsActive: true})
	dir.PutUser(User{ID: "a2", Email: "sec@example.com", Role: RoleAdmin, IsActive: true})
	dir.PutUser(User{ID: "a1", Email: "old@example.com", Role: RoleAdmin, IsActive: false})
	dir.PutDevice(Device{ID: "d1", UserID: "u1", Status: DeviceApproved})

	ctx := context.Background()
	if _, err := dir.User(ctx, "missing"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := dir.Device(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected device not found, got %v", err)
	}
	admins, err := dir.Admins(ctx)
	if err != nil {
		t.Fatalf("Admins: %v", err)
	}
	if len(admins) != 1 || admins[0].ID != "a2" {
		t.Fatalf("expected only the active admin, got %+v", admins)
	}
	u, _ := dir.User(ctx, "u1")
	if u.IsAdmin() {
		t.Fatal("developer reported as admin")
	}
}
