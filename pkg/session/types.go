// Package session tracks live client connections and the client context
// resolved for each.
package session

import (
	"time"
)

// Auth levels a client context can carry
const (
	AuthLevelSession = "session"
	AuthLevelBearer  = "bearer"
)

// Client types derived from the connecting client
const (
	ClientTypeBrowser = "browser"
	ClientTypeCLI     = "cli"
	ClientTypeIDE     = "ide"
	ClientTypeOther   = "other"
)

// Session is a logged-in user session resolved from a cookie
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ConnectionInfo describes an accepted connection
type ConnectionInfo struct {
	ClientType string
	RemoteAddr string
	Path       string
}

// ClientContext is the authenticated context of one connection
type ClientContext struct {
	SessionID  string
	UserID     string
	AuthLevel  string
	ClientType string
	CreatedAt  time.Time
}
