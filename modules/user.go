package modules

// Role partitions users into admins and everyone else.
type Role string

// The two roles. Admins see and mutate all jobs and control providers.
const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// A User is the identity attached to API requests and job ownership. User
// lifecycle is managed outside the orchestration core.
type User struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// CanMutate reports whether the user may change the control state of a job
// owned by ownerID.
func (u User) CanMutate(ownerID uint64) bool {
	return u.IsAdmin() || u.ID == ownerID
}
