// Package auth resolves the shopper behind a request from the session that the
// external auth provider stored in the shared database.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrSessionNotFound = errors.New("session not found or expired")

type Identity struct {
	UserID string
	Email  string
	Name   string
}

type SessionStore interface {
	Lookup(ctx context.Context, token string) (*Identity, error)
}

type postgresSessionStore struct {
	db *pgxpool.Pool
}

func NewSessionStore(db *pgxpool.Pool) SessionStore {
	return &postgresSessionStore{db: db}
}

func (s *postgresSessionStore) Lookup(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	query := `
		SELECT u.id, u.email, COALESCE(u.name, '')
		FROM "session" s
		JOIN "user" u ON u.id = s."userId"
		WHERE s.token = $1 AND s."expiresAt" > NOW() AT TIME ZONE 'UTC'
	`
	var id Identity
	err := s.db.QueryRow(ctx, query, token).Scan(&id.UserID, &id.Email, &id.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("auth: failed to look up session: %w", err)
	}
	return &id, nil
}
