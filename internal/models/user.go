package models

import (
	"time"
)

const (
	RoleUser    = "user"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

type User struct {
	ID                string
	Email             string
	PasswordHash      string
	FirstName         string
	LastName          string
	Phone             *EncryptedField
	PhoneSearchHash   string
	Role              string
	DealershipID      string
	Active            bool
	EmailVerified     bool
	PasswordChangedAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UserResponse is the sanitized view of a user. It never carries the
// password verifier or phone ciphertext.
type UserResponse struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Phone         string    `json:"phone,omitempty"`
	Role          string    `json:"role"`
	DealershipID  string    `json:"dealership_id,omitempty"`
	Active        bool      `json:"active"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

func (u *User) ToResponse() *UserResponse {
	resp := &UserResponse{
		ID:            u.ID,
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Role:          u.Role,
		DealershipID:  u.DealershipID,
		Active:        u.Active,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
	}
	if u.Phone != nil {
		resp.Phone = u.Phone.Masked
	}
	return resp
}

// Profile holds the optional registration attributes.
type Profile struct {
	FirstName    string
	LastName     string
	Phone        string
	Role         string
	DealershipID string
}

type PasswordHistoryEntry struct {
	UserID       string
	PasswordHash string
	CreatedAt    time.Time
}
