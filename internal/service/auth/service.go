// Package auth handles account registration and bearer-token verification.
package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/repository"
	"github.com/sungreong/openstream-gallery/pkg/config"
	"github.com/sungreong/openstream-gallery/pkg/crypto"
	jwtpkg "github.com/sungreong/openstream-gallery/pkg/jwt"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,31}$`)

const minPasswordLength = 8

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.ServerConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.ServerConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, username, email, password string) (*domain.User, TokenPair, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	email = strings.TrimSpace(email)
	if !usernamePattern.MatchString(username) {
		return nil, TokenPair{}, fault.New(fault.KindInvalidInput,
			"username must be 3-32 characters of lowercase letters, digits, hyphen, or underscore")
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, TokenPair{}, fault.New(fault.KindInvalidInput, "a valid email address is required")
	}
	if len(password) < minPasswordLength {
		return nil, TokenPair{}, fault.New(fault.KindInvalidInput,
			"password must be at least %d characters", minPasswordLength)
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, TokenPair{}, fault.New(fault.KindConflict, "username or email already registered")
		}
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	return user, tokens, nil
}

// Login authenticates a user and returns tokens. A wrong username and a wrong
// password produce the same error.
func (s Service) Login(ctx context.Context, username, password string) (*domain.User, TokenPair, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, fault.New(fault.KindInvalidInput, "incorrect username or password")
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, TokenPair{}, fault.New(fault.KindInvalidInput, "incorrect username or password")
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, tokens, nil
}

// Authorize validates a bearer token and returns the associated user.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, fault.New(fault.KindInvalidInput, "token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, err, "invalid token")
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fault.New(fault.KindInvalidInput, "token subject no longer exists")
		}
		return nil, err
	}
	return user, nil
}

func (s Service) issueTokens(userID string) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(userID, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(userID, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
