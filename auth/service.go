package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 12 characters")
	// ErrInvalidToken signals a bearer token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

const (
	DefaultTokenTTL = 8 * time.Hour
	tokenIssuer     = "saukidata"
	minPasswordLen  = 12
)

// Service handles operator authentication.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and operator returned after a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Operator  Operator
}

type tokenClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  DefaultTokenTTL,
		now:       time.Now,
	}
}

// WithTokenTTL overrides how long issued tokens stay valid.
func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
	return s
}

// CreateOperator adds an operator account with a bcrypt-hashed password.
func (s *Service) CreateOperator(ctx context.Context, req CreateOperatorRequest) (Operator, error) {
	email := normalizeEmail(req.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return Operator{}, fmt.Errorf("auth: invalid email %q", req.Email)
	}
	if len(req.Password) < minPasswordLen {
		return Operator{}, ErrWeakPassword
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleOperator
	}
	if !isValidRole(role) {
		return Operator{}, fmt.Errorf("auth: invalid role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Operator{}, fmt.Errorf("auth: hash password: %w", err)
	}

	return s.repo.CreateOperator(ctx, CreateOperatorParams{
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	})
}

// Login authenticates an operator and returns a signed token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	op, err := s.repo.GetOperatorByEmail(ctx, normalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, ErrOperatorNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	expiresAt := s.now().Add(s.tokenTTL)
	token, err := s.generateToken(op, expiresAt)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{Token: token, ExpiresAt: expiresAt, Operator: op}, nil
}

// VerifyToken validates a bearer token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || !isValidRole(claims.Role) {
		return Claims{}, ErrInvalidToken
	}
	return Claims{OperatorID: claims.Subject, Role: claims.Role}, nil
}

func (s *Service) generateToken(op Operator, expiresAt time.Time) (string, error) {
	now := s.now()
	claims := tokenClaims{
		Role: op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isValidRole(role Role) bool {
	switch role {
	case RoleOperator, RoleAdmin:
		return true
	default:
		return false
	}
}
