package usecases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/tablebook/internal/domain/user"
	"github.com/example/tablebook/internal/internaltypes"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type UserRepo interface {
	Create(ctx context.Context, u user.User) error
	GetByUsername(ctx context.Context, username string) (user.User, error)
}

type AuthService struct {
	Users UserRepo
}

func (a AuthService) VerifyPassword(ctx context.Context, username, password string) (user.User, error) {
	u, err := a.Users.GetByUsername(ctx, username)
	if err != nil {
		return user.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return user.User{}, fmt.Errorf("invalid credentials: %w", internaltypes.ErrUnauthorized)
	}
	return u, nil
}

// Register creates a staff user.
func (a AuthService) Register(ctx context.Context, username, password string) (user.User, error) {
	u, err := NewUser(username, password)
	if err != nil {
		return user.User{}, err
	}
	if err := a.Users.Create(ctx, u); err != nil {
		return user.User{}, err
	}
	return u, nil
}

func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

func NewUser(username, password string) (user.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return user.User{}, fmt.Errorf("username required")
	}
	if len(password) < 8 {
		return user.User{}, fmt.Errorf("password must be at least 8 characters")
	}
	h, err := HashPassword(password)
	if err != nil {
		return user.User{}, err
	}
	return user.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: h,
		CreatedAt:    time.Now().UTC(),
	}, nil
}
