package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"expensewatch/internal/core"
)

// CreateUser implements ports.UserStore
func (r *SQLiteRepository) CreateUser(ctx context.Context, email, passwordHash, role string) (core.User, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, role, created_at) VALUES (?, ?, ?, ?)`,
		email, passwordHash, role, now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return core.User{}, fmt.Errorf("create user %s: %w", email, core.ErrEmailTaken)
		}
		return core.User{}, fmt.Errorf("create user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return core.User{}, fmt.Errorf("create user last insert id: %w", err)
	}

	return core.User{ID: id, Email: email, PasswordHash: passwordHash, Role: role, CreatedAt: now}, nil
}

// FindUserByEmail implements ports.UserStore
func (r *SQLiteRepository) FindUserByEmail(ctx context.Context, email string) (core.User, error) {
	return r.findUser(ctx, `WHERE email = ?`, email)
}

// FindUserByID implements ports.UserStore
func (r *SQLiteRepository) FindUserByID(ctx context.Context, id int64) (core.User, error) {
	return r.findUser(ctx, `WHERE id = ?`, id)
}

func (r *SQLiteRepository) findUser(ctx context.Context, where string, arg any) (core.User, error) {
	var (
		u       core.User
		created string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users `+where, arg,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, fmt.Errorf("user %v: %w", arg, core.ErrNotFound)
	}
	if err != nil {
		return core.User{}, fmt.Errorf("find user: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		u.CreatedAt = t
	}
	return u, nil
}
