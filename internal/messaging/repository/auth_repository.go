package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"campus_connect/internal/messaging/domain"
	"campus_connect/pkg/database"
	"campus_connect/pkg/encrypt"
	errprocess "campus_connect/pkg/err"
	"campus_connect/pkg/token"

	"github.com/coder/quartz"
)

var (
	// ErrInvalidCredentials email or password wrong
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrSessionNotFound token unknown, expired or signed out
	ErrSessionNotFound = errors.New("session not found")
)

// AuthSession a signed in user
type AuthSession struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthRepository definition the authentication surface; messaging only needs the user id
type AuthRepository interface {
	SignUp(ctx context.Context, email, password, fullName string) (string, error)
	SignIn(ctx context.Context, email, password string) (AuthSession, error)
	GetSession(ctx context.Context, tokenStr string) (AuthSession, error)
	SignOut(ctx context.Context, tokenStr string) error
}

type profileRow struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	FullName     string `json:"full_name"`
	Role         string `json:"role"`
	PasswordHash string `json:"password_hash"`
}

type authRepository struct {
	store    Store
	sessions database.RedisRepository[AuthSession]
	clock    quartz.Clock
}

// NewAuthRepository profiles live in store, sessions in the cache keyed by token
func NewAuthRepository(store Store, sessions database.RedisRepository[AuthSession], clock quartz.Clock) AuthRepository {
	return &authRepository{store: store, sessions: sessions, clock: clock}
}

func (r *authRepository) SignUp(ctx context.Context, email, password, fullName string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", errprocess.Set("email is required")
	}
	if _, err := r.findProfile(ctx, email); err == nil {
		return "", fmt.Errorf("email %s already registered", email)
	} else if !errors.Is(err, ErrInvalidCredentials) {
		return "", err
	}

	hash, err := encrypt.HashPassword(password)
	if err != nil {
		return "", err
	}
	raw, err := r.store.Insert(ctx, domain.TableProfiles, profileRow{
		Email:        email,
		FullName:     fullName,
		Role:         string(token.RoleStudent),
		PasswordHash: hash,
	})
	if err != nil {
		return "", fmt.Errorf("create profile: %w", err)
	}
	var created profileRow
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", fmt.Errorf("decode profile: %w", err)
	}
	return created.ID, nil
}

func (r *authRepository) SignIn(ctx context.Context, email, password string) (AuthSession, error) {
	p, err := r.findProfile(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return AuthSession{}, err
	}
	if err := encrypt.CheckPassword(p.PasswordHash, password); err != nil {
		return AuthSession{}, ErrInvalidCredentials
	}

	tokenStr, err := token.GenerateJWTWrapper(p.ID, p.Role)
	if err != nil {
		return AuthSession{}, fmt.Errorf("generate token: %w", err)
	}
	ttl := token.Expiration()
	s := AuthSession{
		Token:     tokenStr,
		UserID:    p.ID,
		Email:     p.Email,
		Role:      p.Role,
		ExpiresAt: r.clock.Now().Add(ttl),
	}
	if err := r.sessions.Set(ctx, tokenStr, s, ttl); err != nil {
		return AuthSession{}, fmt.Errorf("store session: %w", err)
	}
	return s, nil
}

func (r *authRepository) GetSession(ctx context.Context, tokenStr string) (AuthSession, error) {
	if _, err := token.ParseJWTWrapper(tokenStr); err != nil {
		return AuthSession{}, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	s, err := r.sessions.Get(ctx, tokenStr)
	if errors.Is(err, database.ErrCacheMiss) {
		return AuthSession{}, ErrSessionNotFound
	}
	if err != nil {
		return AuthSession{}, err
	}
	return s, nil
}

func (r *authRepository) SignOut(ctx context.Context, tokenStr string) error {
	return r.sessions.Del(ctx, tokenStr)
}

func (r *authRepository) findProfile(ctx context.Context, email string) (profileRow, error) {
	raw, err := r.store.Query(ctx, domain.TableProfiles, Eq("email", email), nil)
	if err != nil {
		return profileRow{}, fmt.Errorf("find profile: %w", err)
	}
	rows, err := DecodeRows[profileRow](raw)
	if err != nil {
		return profileRow{}, err
	}
	if len(rows) == 0 {
		return profileRow{}, ErrInvalidCredentials
	}
	return rows[0], nil
}
