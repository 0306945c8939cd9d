package web

import (
	"context"
	"errors"
	"testing"
)

func TestPermissionSets(t *testing.T) {
	t.Run("anonymous callers read but never write", func(t *testing.T) {
		for _, p := range []Permission{PermInfo, PermBoardsList, PermBoardsGet,
			PermBoardsDataGet, PermBoardsPixelsList, PermSocketCore} {
			if !AnonymousPermissions.Has(p) {
				t.Errorf("anonymous set is missing %s", p)
			}
		}
		for _, p := range []Permission{PermBoardsPixelsPost, PermBoardsPixelsUndo,
			PermBoardsPost, PermBoardsDataPatch} {
			if AnonymousPermissions.Has(p) {
				t.Errorf("anonymous set grants %s", p)
			}
		}
	})

	t.Run("users additionally place and undo", func(t *testing.T) {
		if !UserPermissions.Has(PermBoardsPixelsPost) || !UserPermissions.Has(PermBoardsPixelsUndo) {
			t.Errorf("user set lacks placement permissions")
		}
		if UserPermissions.Has(PermBoardsDelete) {
			t.Errorf("user set grants board administration")
		}
	})

	t.Run("admins hold everything", func(t *testing.T) {
		for _, e := range permissionNames {
			if !AdminPermissions.Has(e.perm) {
				t.Errorf("admin set is missing %s", e.name)
			}
		}
	})
}

func TestIdentityHas(t *testing.T) {
	var anonymous *Identity
	if !anonymous.Has(PermBoardsGet) {
		t.Errorf("nil identity lacks read permissions")
	}
	if anonymous.Has(PermBoardsPixelsPost) {
		t.Errorf("nil identity can place")
	}
	if anonymous.Name() != "" {
		t.Errorf("nil identity has a name: %q", anonymous.Name())
	}

	limited := &Identity{User: "limited", Permissions: PermissionSet(PermInfo)}
	if !limited.Has(PermInfo) || limited.Has(PermBoardsGet) {
		t.Errorf("identity permissions are not honored")
	}
}

func TestPermissionNames(t *testing.T) {
	if got := PermBoardsPixelsUndo.String(); got != "boards.pixels.undo" {
		t.Errorf("String() = %q, want boards.pixels.undo", got)
	}
	if got := PermSocketDataTimestamps.String(); got != "socket.data.timestamps" {
		t.Errorf("String() = %q, want socket.data.timestamps", got)
	}
}

func TestStaticAuthenticator(t *testing.T) {
	auth := NewStaticAuthenticator(map[string]string{
		"alice-secret": "alice",
		"root-secret":  "root",
	}, []string{"root"})
	ctx := context.Background()

	t.Run("empty tokens are anonymous", func(t *testing.T) {
		id, err := auth.Authenticate(ctx, "")
		if err != nil || id != nil {
			t.Fatalf("Authenticate(\"\") = %v, %v, want nil identity", id, err)
		}
	})

	t.Run("user tokens resolve to user permissions", func(t *testing.T) {
		id, err := auth.Authenticate(ctx, "alice-secret")
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if id.User != "alice" || id.Permissions != UserPermissions {
			t.Errorf("identity = %+v, want alice with user permissions", id)
		}
	})

	t.Run("admins get the admin set", func(t *testing.T) {
		id, err := auth.Authenticate(ctx, "root-secret")
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if id.Permissions != AdminPermissions {
			t.Errorf("permissions = %s, want the admin set", id.Permissions)
		}
	})

	t.Run("unknown tokens are rejected", func(t *testing.T) {
		_, err := auth.Authenticate(ctx, "wrong")
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("added identities resolve", func(t *testing.T) {
		auth.Add("extra", Identity{User: "extra", Permissions: AnonymousPermissions})
		id, err := auth.Authenticate(ctx, "extra")
		if err != nil || id.User != "extra" {
			t.Fatalf("Authenticate(extra) = %v, %v", id, err)
		}
	})
}
