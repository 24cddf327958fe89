package auth

import "time"

type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Operator is a back-office account. Every role may inspect stuck claims; only
// admins may trigger retries. It mirrors the operators table and carries no JSON
// annotations.
type Operator struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// CreateOperatorRequest contains the data supplied by the CLI when adding an account.
type CreateOperatorRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// LoginRequest contains operator login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Claims is what a verified token asserts about its bearer.
type Claims struct {
	OperatorID string
	Role       Role
}
