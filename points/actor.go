package points

// Role is the kind of user performing an operation.
type Role string

const (
	RoleDriver  Role = "driver"
	RoleSponsor Role = "sponsor"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleDriver || r == RoleSponsor || r == RoleAdmin
}

// Actor identifies who is calling. DriverID is set for drivers, SponsorID
// for sponsors; admins carry neither.
type Actor struct {
	UserID    UserID
	Role      Role
	DriverID  DriverID
	SponsorID SponsorID
}

// CanManageSponsor reports whether the actor may act on the sponsor's data.
func (a Actor) CanManageSponsor(sponsorID SponsorID) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleSponsor:
		return a.SponsorID == sponsorID
	}
	return false
}
