// Package authpw provides username/password authentication for local users.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/bcrypt"

	"fedipedia/api/internal/store"
)

// Service provides username/password authentication
type Service struct {
	store UserStore
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetLocalUserByUsername(ctx context.Context, username string) (store.LocalUser, store.Person, error)
	CreateLocalUser(ctx context.Context, person store.Person, user store.LocalUser) error
}

// NewService creates a new auth service
func NewService(store UserStore) *Service {
	return &Service{store: store}
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)

var (
	ErrInvalidUsername    = errors.New("username must be 3-30 characters of letters, digits, or underscore")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrUsernameTaken      = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Register creates a new local account. The person record carries the
// federation identity; the caller supplies it with keys and ActivityPub IDs
// already filled in.
func (s *Service) Register(ctx context.Context, person store.Person, user store.LocalUser, password string) error {
	if !usernamePattern.MatchString(person.Username) {
		return ErrInvalidUsername
	}
	if len(password) < 8 {
		return ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = string(hash)

	if err := s.store.CreateLocalUser(ctx, person, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("create local user: %w", err)
	}
	return nil
}

// Login authenticates a local user by username and password.
func (s *Service) Login(ctx context.Context, username, password string) (store.LocalUser, store.Person, error) {
	if username == "" || password == "" {
		return store.LocalUser{}, store.Person{}, ErrInvalidCredentials
	}

	user, person, err := s.store.GetLocalUserByUsername(ctx, username)
	if err != nil {
		// Hash comparison against a static cost keeps timing comparable
		// whether or not the account exists.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0cAB5VKrGrDDqlUsQyGJrIrxzAa"), []byte(password))
		return store.LocalUser{}, store.Person{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.LocalUser{}, store.Person{}, ErrInvalidCredentials
	}
	return user, person, nil
}
