package model

// Role is the identity role carried by the session credential
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// User is a profile owned by the identity service; chat only references it
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

// IsElevated reports whether the user may see every conversation
func (u User) IsElevated() bool {
	return u.Role == RoleAdmin
}
