package store

import "time"

// User is an account known to the broker.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Identity is the public view of a user. It never carries the password digest.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Username: u.Username, Email: u.Email}
}

// Token is the persisted record of an issued credential. A token is live only
// while this row exists and ExpiresAt has not passed.
type Token struct {
	ID        int64
	UserID    int64
	Value     string
	CreatedAt time.Time
	ExpiresAt time.Time
	IssuedFor string // audience; empty when the token is not scoped to a service
}

// Service is a relying service allowed to call the verification API.
type Service struct {
	ID         int64
	Name       string
	Domain     string
	ClientID   string
	SecretHash string // SHA-256 of the API key, stored in client_secret
	Active     bool
	CreatedAt  time.Time
}
