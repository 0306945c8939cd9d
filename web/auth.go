package web

import (
	"context"
	"errors"
	"strings"

	"github.com/tessera-dev/tessera/lib/live"
)

// --------------------------------------------------------------------------
// Permissions
// --------------------------------------------------------------------------

// Permission is one guarded operation of the HTTP surface. Handlers check
// the caller's permission before touching a board; how a set of permissions
// is attached to a token is the Authenticator's concern.
type Permission uint32

const (
	PermInfo Permission = 1 << iota
	PermBoardsList
	PermBoardsGet
	PermBoardsPost
	PermBoardsPatch
	PermBoardsDelete
	PermBoardsDataGet
	PermBoardsDataPatch
	PermBoardsUsers
	PermBoardsPixelsList
	PermBoardsPixelsGet
	PermBoardsPixelsPost
	PermBoardsPixelsUndo
	PermSocketCore
	PermSocketAuthentication
	PermSocketDataTimestamps
	PermSocketDataInitial
	PermSocketDataMask
	PermSocketInfo
)

var permissionNames = []struct {
	perm Permission
	name string
}{
	{PermInfo, "info"},
	{PermBoardsList, "boards.list"},
	{PermBoardsGet, "boards.get"},
	{PermBoardsPost, "boards.post"},
	{PermBoardsPatch, "boards.patch"},
	{PermBoardsDelete, "boards.delete"},
	{PermBoardsDataGet, "boards.data.get"},
	{PermBoardsDataPatch, "boards.data.patch"},
	{PermBoardsUsers, "boards.users"},
	{PermBoardsPixelsList, "boards.pixels.list"},
	{PermBoardsPixelsGet, "boards.pixels.get"},
	{PermBoardsPixelsPost, "boards.pixels.post"},
	{PermBoardsPixelsUndo, "boards.pixels.undo"},
	{PermSocketCore, "socket.core"},
	{PermSocketAuthentication, "socket.authentication"},
	{PermSocketDataTimestamps, "socket.data.timestamps"},
	{PermSocketDataInitial, "socket.data.initial"},
	{PermSocketDataMask, "socket.data.mask"},
	{PermSocketInfo, "socket.info"},
}

func (p Permission) String() string {
	for _, e := range permissionNames {
		if e.perm == p {
			return e.name
		}
	}
	return "unknown"
}

// PermissionSet is a bitset of granted permissions.
type PermissionSet uint32

// Has reports whether every permission in p is granted.
func (s PermissionSet) Has(p Permission) bool {
	return s&PermissionSet(p) == PermissionSet(p)
}

// With returns the set with p added.
func (s PermissionSet) With(p Permission) PermissionSet {
	return s | PermissionSet(p)
}

func (s PermissionSet) String() string {
	var names []string
	for _, e := range permissionNames {
		if s.Has(e.perm) {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, ",")
}

// AnonymousPermissions is what a caller without a token may do: read
// everything and hold a live connection, mutate nothing.
const AnonymousPermissions = PermissionSet(PermInfo |
	PermBoardsList | PermBoardsGet | PermBoardsDataGet | PermBoardsUsers |
	PermBoardsPixelsList | PermBoardsPixelsGet |
	PermSocketCore | PermSocketAuthentication | PermSocketDataTimestamps |
	PermSocketDataInitial | PermSocketDataMask | PermSocketInfo)

// UserPermissions additionally lets the caller place and undo pixels.
const UserPermissions = AnonymousPermissions |
	PermissionSet(PermBoardsPixelsPost|PermBoardsPixelsUndo)

// AdminPermissions grants everything including board administration.
const AdminPermissions = UserPermissions | PermissionSet(PermBoardsPost|
	PermBoardsPatch|PermBoardsDelete|PermBoardsDataPatch)

// socketPermission maps a negotiated stream capability to the permission
// that gates it.
func socketPermission(c live.Capability) Permission {
	switch c {
	case live.CapCore:
		return PermSocketCore
	case live.CapAuthentication:
		return PermSocketAuthentication
	case live.CapDataTimestamps:
		return PermSocketDataTimestamps
	case live.CapDataInitial:
		return PermSocketDataInitial
	case live.CapDataMask:
		return PermSocketDataMask
	case live.CapInfo:
		return PermSocketInfo
	default:
		return 0
	}
}

// --------------------------------------------------------------------------
// Identity
// --------------------------------------------------------------------------

// Identity is a verified caller. A nil *Identity is the anonymous caller
// and holds AnonymousPermissions.
type Identity struct {
	User        string
	Permissions PermissionSet
}

// Has reports whether the identity holds the permission. Safe on a nil
// receiver.
func (id *Identity) Has(p Permission) bool {
	if id == nil {
		return AnonymousPermissions.Has(p)
	}
	return id.Permissions.Has(p)
}

// Name returns the user id, empty for the anonymous caller.
func (id *Identity) Name() string {
	if id == nil {
		return ""
	}
	return id.User
}

// --------------------------------------------------------------------------
// Authenticator
// --------------------------------------------------------------------------

// ErrInvalidToken is returned for a token no identity is known for.
var ErrInvalidToken = errors.New("invalid token")

// Authenticator verifies bearer tokens into identities. An empty token is
// the anonymous caller and verifies to (nil, nil).
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// StaticAuthenticator resolves tokens against a fixed in-process table.
// The table is built once at startup and read-only afterwards.
type StaticAuthenticator struct {
	identities map[string]*Identity
}

// NewStaticAuthenticator builds the token table. tokens maps bearer token
// to user id; users listed in admins get AdminPermissions, everyone else
// UserPermissions.
func NewStaticAuthenticator(tokens map[string]string, admins []string) *StaticAuthenticator {
	isAdmin := make(map[string]bool, len(admins))
	for _, user := range admins {
		isAdmin[user] = true
	}

	a := &StaticAuthenticator{identities: make(map[string]*Identity, len(tokens))}
	for token, user := range tokens {
		perms := UserPermissions
		if isAdmin[user] {
			perms = AdminPermissions
		}
		a.Add(token, Identity{User: user, Permissions: perms})
	}
	return a
}

// Add registers one token. Not safe to call once the authenticator serves
// requests.
func (a *StaticAuthenticator) Add(token string, id Identity) {
	if a.identities == nil {
		a.identities = make(map[string]*Identity)
	}
	a.identities[token] = &id
}

// Authenticate resolves the token, ErrInvalidToken for unknown ones.
func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, nil
	}
	if id, ok := a.identities[token]; ok {
		return id, nil
	}
	return nil, ErrInvalidToken
}
