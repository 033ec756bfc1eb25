package models

import "time"

// User represents a row of the users table
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // bcrypt hash (never in JSON)
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is the snapshot stored with a session at login time
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// PublicUser is the part of an identity that is echoed back to clients
type PublicUser struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Public strips the surrogate key
func (i Identity) Public() PublicUser {
	return PublicUser{Username: i.Username, Email: i.Email}
}

// RegisterRequest represents registration request payload
type RegisterRequest struct {
	Username string `json:"username" form:"username"`
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

// LoginRequest represents login request payload
type LoginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// RegisterResponse represents registration response
type RegisterResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// LoginResult is returned by the auth service after a successful login
type LoginResult struct {
	Token string
	User  Identity
}

// LoginResponse represents authentication response
type LoginResponse struct {
	Success bool       `json:"success"`
	Token   string     `json:"token"`
	User    PublicUser `json:"user"`
}
