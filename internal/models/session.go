package models

import (
	"gorm.io/gorm"
)

// Session is a logged-in backend account remembered between runs.
// The backend only speaks Basic auth, so the password is kept, sealed.
type Session struct {
	gorm.Model

	Username string `gorm:"uniqueIndex;not null" json:"username"`
	UserID   string `gorm:"index" json:"user_id"`
	Email    string `json:"email"`
	// Sealed holds nonce||secretbox(password).
	Sealed []byte `gorm:"not null" json:"-"`
}
