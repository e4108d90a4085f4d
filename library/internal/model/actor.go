package model

type Role string

const (
	RoleRegular Role = "regular"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool { return r == RoleRegular || r == RoleAdmin }

// Actor is the authenticated caller of an operation. PatronID is zero until the caller registers.
type Actor struct {
	Subject  string
	PatronID int64
	Role     Role
}

// SystemActor runs scheduled jobs and broker-driven operations.
var SystemActor = Actor{Subject: "system", Role: RoleAdmin}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) CanActFor(patronID int64) bool {
	return a.IsAdmin() || (a.PatronID != 0 && a.PatronID == patronID)
}
