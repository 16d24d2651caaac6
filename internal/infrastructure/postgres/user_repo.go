package postgres

import (
	"context"
	"fmt"

	"github.com/example/tablebook/internal/db"
	"github.com/example/tablebook/internal/domain/user"
	"github.com/example/tablebook/internal/internaltypes"
)

// UserRepo stores staff accounts.
type UserRepo struct{ db *db.DB }

func NewUserRepo(d *db.DB) *UserRepo { return &UserRepo{db: d} }

func (r *UserRepo) Create(ctx context.Context, u user.User) error {
	err := r.db.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES ($1,$2,$3,$4)`,
		u.ID, u.Username, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Username, err)
	}
	return nil
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (user.User, error) {
	row := r.db.QueryRow(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username=$1`, username)
	var u user.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if db.IsNotFound(err) {
			return user.User{}, internaltypes.ErrNotFound
		}
		return user.User{}, err
	}
	return u, nil
}
