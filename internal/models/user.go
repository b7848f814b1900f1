package models

import "time"

// Role is the authorization level of an account
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModerator, RoleAdmin:
		return true
	}
	return false
}

// User represents a registered account as seen by callers (never carries the password)
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Role          Role      `json:"role"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
}

// IsStaff reports whether the user may moderate cases
func (u User) IsStaff() bool {
	return u.Role == RoleAdmin || u.Role == RoleModerator
}

// StoredUser is the persisted form of a user inside the "users" record.
// Password is kept in clear text unless a hashing PasswordHasher is configured.
type StoredUser struct {
	User
	Password string `json:"password"`
}

// UserUpdate carries the fields UpdateUser may merge; nil fields are left unchanged
type UserUpdate struct {
	Name          *string `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Email         *string `json:"email,omitempty" validate:"omitempty,contains=@"`
	Role          *Role   `json:"role,omitempty" validate:"omitempty,oneof=user moderator admin"`
	EmailVerified *bool   `json:"emailVerified,omitempty"`
}

// Apply merges the set fields into u
func (upd UserUpdate) Apply(u *User) {
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.EmailVerified != nil {
		u.EmailVerified = *upd.EmailVerified
	}
}

// SignUpRequest represents registration request payload
type SignUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// SignInRequest represents login request payload
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// PasswordResetRequest carries a reset token redemption
type PasswordResetRequest struct {
	Email       string `json:"email"`
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

// PasswordChangeRequest carries a password change for the signed-in user
type PasswordChangeRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}
