package auth

import (
	"context"
	"fmt"
	"time"

	"portal-backend/internal/store"
)

// RefreshToken is a stored opaque refresh token.
type RefreshToken struct {
	UserID    int64
	Token     string
	ExpiresAt time.Time
}

// TokenRepo persists refresh tokens in the _refresh_tokens table.
type TokenRepo struct {
	DB store.Querier
}

func NewTokenRepo(db store.Querier) *TokenRepo {
	return &TokenRepo{DB: db}
}

// Insert stores a freshly issued refresh token.
func (r *TokenRepo) Insert(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	_, err := store.Exec(ctx, r.DB,
		`INSERT INTO _refresh_tokens (user_id, token, expires_at) VALUES ($1, $2, $3)`,
		userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// Find loads a refresh token. Returns store.ErrNotFound when unknown.
func (r *TokenRepo) Find(ctx context.Context, token string) (*RefreshToken, error) {
	row, err := store.QueryRow(ctx, r.DB,
		`SELECT user_id, expires_at FROM _refresh_tokens WHERE token = $1`, token)
	if err != nil {
		return nil, err
	}

	userID, _ := row["user_id"].(int64)
	expiresAt, _ := row["expires_at"].(time.Time)
	return &RefreshToken{UserID: userID, Token: token, ExpiresAt: expiresAt}, nil
}

// Delete removes a refresh token. Deleting an unknown token is not an error.
func (r *TokenRepo) Delete(ctx context.Context, token string) error {
	_, err := store.Exec(ctx, r.DB,
		`DELETE FROM _refresh_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}
