package domain

import "time"

// Account representa el registro de identidad persistido de un usuario.
type Account struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username"`
	Email               string     `json:"email"`
	PasswordHash        string     `json:"-"`
	Verified            bool       `json:"verified"`
	VerificationToken   string     `json:"-"`
	ResetToken          string     `json:"-"`
	ResetTokenExpiresAt *time.Time `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
}
