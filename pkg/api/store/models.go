package store

import (
	"time"
)

// Session is the server-side state correlated with a client cookie. User
// holds the selected username and is empty for anonymous sessions.
type Session struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	User      string    `gorm:"column:username;not null;default:''" json:"user,omitempty"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the session has outlived its TTL at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
