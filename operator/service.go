package operator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("operator: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("operator: password must be at least 8 characters")
)

// Service handles operator account business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and operator returned after a successful login.
type LoginResult struct {
	Token    string
	Operator Operator
}

// NewService creates a new operator service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new operator account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Operator, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("operator: email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("operator: hash password: %w", err)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleAnalyst
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("operator: invalid role %q", role)
	}

	op, err := s.repo.Create(ctx, CreateParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	return &op, nil
}

// Login authenticates an operator and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	op, err := s.repo.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(op.ID, op.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("operator: generate token: %w", err)
	}

	return LoginResult{Token: token, Operator: op}, nil
}

// GetByID retrieves operator information by ID.
func (s *Service) GetByID(ctx context.Context, id string) (*Operator, error) {
	op, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// VerifyToken validates a JWT token and returns the operator ID and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("operator: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		operatorID, ok := claims["operator_id"].(string)
		if !ok {
			return "", "", fmt.Errorf("operator: invalid operator_id in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("operator: invalid role in token")
		}
		role := Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("operator: invalid role %q in token", roleStr)
		}
		return operatorID, role, nil
	}

	return "", "", fmt.Errorf("operator: invalid token")
}

// generateToken creates a JWT token for the operator.
func (s *Service) generateToken(operatorID string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"operator_id": operatorID,
		"role":        role,
		"exp":         time.Now().Add(12 * time.Hour).Unix(),
		"iat":         time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAnalyst, RoleAdmin:
		return true
	default:
		return false
	}
}
