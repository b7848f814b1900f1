package models

import "time"

// AuthSession is a time-bounded proof of authentication.
// ExpiresAt is epoch milliseconds.
type AuthSession struct {
	User        User   `json:"user"`
	AccessToken string `json:"accessToken"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now
func (s AuthSession) Expired(now time.Time) bool {
	return now.UnixMilli() > s.ExpiresAt
}

// ExpiresIn returns the remaining lifetime in whole seconds
func (s AuthSession) ExpiresIn(now time.Time) int64 {
	remaining := (s.ExpiresAt - now.UnixMilli()) / 1000
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetToken is the single pending password reset for an email
type ResetToken struct {
	Email     string `json:"email"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Expired reports whether the token is past its expiry at now
func (t ResetToken) Expired(now time.Time) bool {
	return now.UnixMilli() > t.ExpiresAt
}

// CurrentUser is the lightweight identity held by the application state store
type CurrentUser struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}
