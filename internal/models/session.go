package models

import "time"

// Session is the authenticated backend session used by sync
type Session struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the session expires before now+d
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now.Add(d))
}
