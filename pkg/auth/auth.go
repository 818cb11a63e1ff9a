package auth

import (
	"context"
)

const (
	XUserNameHeader = "X-User-Name"
	XUserRoleHeader = "X-User-Role"
)

type Role string

const (
	RoleGuest     Role = "GUEST"
	RoleMember    Role = "MEMBER"
	RoleLibrarian Role = "LIBRARIAN"
	RoleAdmin     Role = "ADMIN"
)

// IsStaff reports whether the role may perform librarian actions.
func (r Role) IsStaff() bool {
	return r == RoleLibrarian || r == RoleAdmin
}

type ctxKey int

const (
	userNameKey ctxKey = iota
	userRoleKey
)

func SetAuthContext(ctx context.Context, userName string, role string) context.Context {
	ctx = context.WithValue(ctx, userNameKey, userName)
	return context.WithValue(ctx, userRoleKey, Role(role))
}

func UserName(ctx context.Context) string {
	name, _ := ctx.Value(userNameKey).(string)
	return name
}

func UserRole(ctx context.Context) Role {
	role, ok := ctx.Value(userRoleKey).(Role)
	if !ok {
		return RoleGuest
	}
	return role
}
