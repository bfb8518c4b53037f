package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// upsertGuestInTx returns the id of the user with email, inserting a minimal row
// when none exists. Email is stored lower-cased.
func upsertGuestInTx(ctx context.Context, q sqlx.QueryerContext, email, fullName string) (uuid.UUID, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return uuid.Nil, fmt.Errorf("guest email is required")
	}
	var name *string
	if fullName != "" {
		name = &fullName
	}

	var id uuid.UUID
	err := q.QueryRowxContext(ctx, `
		INSERT INTO users (id, email, full_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE
		SET full_name = COALESCE(users.full_name, EXCLUDED.full_name)
		RETURNING id`, uuid.New(), email, name).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to resolve guest: %w", err)
	}
	return id, nil
}
