package operator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "mara@example.com",
		Password: "supersafe",
		FullName: "Mara Analyst",
	}

	ctx := context.Background()
	op, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if op.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, op.Email)
	}
	if op.Role != RoleAnalyst {
		t.Fatalf("register: expected default role %s got %s", RoleAnalyst, op.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Operator.ID != op.ID {
		t.Fatalf("login: expected operator id %q got %q", op.ID, resp.Operator.ID)
	}

	tokenOperatorID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenOperatorID != op.ID {
		t.Fatalf("verify token: expected %q got %q", op.ID, tokenOperatorID)
	}
	if tokenRole != RoleAnalyst {
		t.Fatalf("verify token: expected role %s got %s", RoleAnalyst, tokenRole)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "mara@example.com",
		Password: "short",
		FullName: "Mara Analyst",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "mara@example.com",
		Password: "strongpassword",
		FullName: "Mara Analyst",
		Role:     "superuser",
	}); err == nil {
		t.Fatal("expected validation error for unknown role")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "mara@example.com",
		Password: "strongpassword",
		FullName: "Mara Analyst",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenRejectsForeignSecret(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	other := NewService(repo, "other-secret")

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "mara@example.com",
		Password: "strongpassword",
		FullName: "Mara Analyst",
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	resp, err := svc.Login(context.Background(), LoginRequest{Email: "mara@example.com", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if _, _, err := other.VerifyToken(resp.Token); err == nil {
		t.Fatal("expected verification to fail under a different secret")
	}
}

type fakeRepository struct {
	byEmail map[string]Operator
	byID    map[string]Operator
	nextID  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		byEmail: make(map[string]Operator),
		byID:    make(map[string]Operator),
		nextID:  1,
	}
}

func (f *fakeRepository) Create(ctx context.Context, params CreateParams) (Operator, error) {
	if _, exists := f.byEmail[strings.ToLower(params.Email)]; exists {
		return Operator{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("operator-%d", f.nextID)
	f.nextID++
	role := params.Role
	if role == "" {
		role = RoleAnalyst
	}

	op := Operator{
		ID:           id,
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.byEmail[strings.ToLower(op.Email)] = op
	f.byID[op.ID] = op

	return op, nil
}

func (f *fakeRepository) GetByEmail(ctx context.Context, email string) (Operator, error) {
	op, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return Operator{}, ErrNotFound
	}
	return op, nil
}

func (f *fakeRepository) GetByID(ctx context.Context, id string) (Operator, error) {
	op, ok := f.byID[id]
	if !ok {
		return Operator{}, ErrNotFound
	}
	return op, nil
}
