package service

import (
	"context"
	"errors"
	"strings"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
	"github.com/team4edu/edu-backend-go/internal/identity"
	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/storage"
)

// CreateProfile registers the authenticated caller. It fails with a conflict
// when a profile already exists for the subject or the email is taken.
func (s *Service) CreateProfile(ctx context.Context, p *identity.Principal, in model.UserInput) (*model.User, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		in.Name = p.Name
	}
	if err := s.validator.Struct(in); err != nil {
		return nil, err
	}
	user, err := s.store.CreateUser(ctx, model.User{
		ID:        p.UserID,
		Email:     p.Email,
		Name:      in.Name,
		Gender:    in.Gender,
		Birthdate: in.Birthdate,
	})
	if err != nil {
		return nil, storeErr(err, "user profile")
	}
	return user, nil
}

// GetOrCreateProfile returns the caller's profile, creating it from the token
// claims on first access. created reports whether a profile was created.
func (s *Service) GetOrCreateProfile(ctx context.Context, p *identity.Principal) (_ *model.User, created bool, err error) {
	user, err := s.store.GetUser(ctx, p.UserID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, storeErr(err, "user")
	}

	name := p.Name
	if name == "" {
		name = p.Username
	}
	user, err = s.store.CreateUser(ctx, model.User{ID: p.UserID, Email: p.Email, Name: name})
	if errors.Is(err, storage.ErrConflict) {
		// A concurrent first request created it
		if user, gerr := s.store.GetUser(ctx, p.UserID); gerr == nil {
			return user, false, nil
		}
	}
	if err != nil {
		return nil, false, storeErr(err, "user")
	}
	s.log.Info("user profile created", "user_id", p.UserID)
	return user, true, nil
}

// GetUser returns the user, or nil if there is none.
func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if absent(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "user")
	}
	return user, nil
}

// UpdateUser changes the profile fields in patch. Only the user themself may
// update a profile. It returns nil when the user does not exist.
func (s *Service) UpdateUser(ctx context.Context, callerID, id string, patch model.UserPatch) (*model.User, error) {
	if callerID != id {
		return nil, errordefs.New(errordefs.EDU_AUTHZ, "cannot update another user's profile", "")
	}
	if err := s.validator.Struct(patch); err != nil {
		return nil, err
	}
	user, err := s.store.UpdateUser(ctx, id, patch)
	if absent(err) {
		return nil, nil
	}
	if errors.Is(err, storage.ErrConflict) {
		return nil, errordefs.Wrap(errordefs.EDU_CONFLICT, "email already in use", err)
	}
	if err != nil {
		return nil, storeErr(err, "user")
	}
	return user, nil
}
