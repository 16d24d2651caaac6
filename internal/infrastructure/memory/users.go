package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/tablebook/internal/domain/user"
	"github.com/example/tablebook/internal/internaltypes"
)

type Users struct {
	byName sync.Map // username -> user.User
}

func NewUsers() *Users { return &Users{} }

func (u *Users) Create(ctx context.Context, usr user.User) error {
	if _, loaded := u.byName.LoadOrStore(usr.Username, usr); loaded {
		return fmt.Errorf("user %q already exists", usr.Username)
	}
	return nil
}

func (u *Users) GetByUsername(ctx context.Context, username string) (user.User, error) {
	v, ok := u.byName.Load(username)
	if !ok {
		return user.User{}, internaltypes.ErrNotFound
	}
	return v.(user.User), nil
}
