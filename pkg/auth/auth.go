package auth

import (
	"context"
	"strconv"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

const (
	XUserNameHeader = "X-User-Name"
	XUserRoleHeader = "X-User-Role"
	XPatronIDHeader = "X-Patron-Id"

	RoleAdmin   = "admin"
	RoleRegular = "regular"
)

var ErrNoIdentity = errors.New("no identity in context")

// Identity is what the identity provider vouches for on every call.
type Identity struct {
	UserName string
	PatronID int64
	Role     string
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

type Claims struct {
	jwt.RegisteredClaims
	UserName string `json:"username"`
	PatronID int64  `json:"patron_id"`
	Role     string `json:"role"`
}

func (c *Claims) Identity() Identity {
	return Identity{UserName: c.UserName, PatronID: c.PatronID, Role: c.Role}
}

type ctxKey struct{}

func SetAuthContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

// ParseIdentity builds an Identity from gateway header values. patronID may be empty
// for callers that have not registered a patron profile yet.
func ParseIdentity(userName, role, patronID string) (Identity, error) {
	if userName == "" {
		return Identity{}, errors.New("user-name is empty")
	}
	switch role {
	case RoleAdmin, RoleRegular:
	case "":
		return Identity{}, errors.New("user-role is empty")
	default:
		return Identity{}, errors.Errorf("unknown user-role %q", role)
	}
	id := Identity{UserName: userName, Role: role}
	if patronID != "" {
		pid, err := strconv.ParseInt(patronID, 10, 64)
		if err != nil || pid <= 0 {
			return Identity{}, errors.New("patron-id is invalid")
		}
		id.PatronID = pid
	}
	return id, nil
}
