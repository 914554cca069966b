package calendar

import (
	"context"

	"gitea.jw6.us/james/teamcal/internal/store"
)

// StoreDirectory adapts the user repository to the coordinator's directory
// contract. List drops users without an email up front so a refresh only
// fans out over addressable mailboxes.
type StoreDirectory struct {
	users store.UserRepository
}

func NewStoreDirectory(users store.UserRepository) *StoreDirectory {
	return &StoreDirectory{users: users}
}

func (d *StoreDirectory) List(ctx context.Context) ([]UserRef, error) {
	users, err := d.users.List(ctx)
	if err != nil {
		return nil, err
	}

	refs := make([]UserRef, 0, len(users))
	for _, u := range users {
		if u.Email == nil || *u.Email == "" {
			continue
		}
		refs = append(refs, UserRef{
			ID:       u.ID,
			Email:    *u.Email,
			Username: u.Username,
			Role:     u.Role,
		})
	}
	return refs, nil
}

func (d *StoreDirectory) ByEmail(ctx context.Context, email string) (*UserRef, error) {
	user, err := d.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Email == nil {
		return nil, nil
	}
	return &UserRef{
		ID:       user.ID,
		Email:    *user.Email,
		Username: user.Username,
		Role:     user.Role,
	}, nil
}
