// Package auth registers users, issues their tokens and resolves the caller
// of each request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"expensewatch/internal/core"
	"expensewatch/internal/ports"
)

const (
	RoleUser          = "USER"
	minPasswordLength = 8
)

type Service struct {
	users  ports.UserStore
	tokens *TokenIssuer
	cost   int
}

func NewService(users ports.UserStore, tokens *TokenIssuer) *Service {
	return &Service{users: users, tokens: tokens, cost: bcrypt.DefaultCost}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Signup registers a user with the USER role.
func (s *Service) Signup(ctx context.Context, email, password string) (core.User, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return core.User{}, fmt.Errorf("%w: email address", core.ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return core.User{}, fmt.Errorf("%w: password must be at least %d characters", core.ErrInvalidInput, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return core.User{}, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.users.CreateUser(ctx, email, string(hash), RoleUser)
	if err != nil {
		return core.User{}, err
	}
	slog.InfoContext(ctx, "User registered", "user_id", u.ID)
	return u, nil
}

// Login checks the credentials and returns a signed token. Unknown emails and
// wrong passwords fail the same way.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	u, err := s.users.FindUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, core.ErrNotFound) {
		return "", core.ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("find user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", core.ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(u.Email, u.Role)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Authenticate resolves the user a token belongs to.
func (s *Service) Authenticate(ctx context.Context, token string) (core.User, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return core.User{}, fmt.Errorf("%w: %v", core.ErrUnauthenticated, err)
	}
	u, err := s.users.FindUserByEmail(ctx, claims.Subject)
	if errors.Is(err, core.ErrNotFound) {
		return core.User{}, fmt.Errorf("%w: unknown subject", core.ErrUnauthenticated)
	}
	if err != nil {
		return core.User{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}
