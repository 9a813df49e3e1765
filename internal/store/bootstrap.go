package store

import (
	"context"
	"fmt"
)

const systemTablesSQL = `
CREATE TABLE IF NOT EXISTS _users (
    id             BIGSERIAL PRIMARY KEY,
    name           TEXT NOT NULL,
    email          TEXT NOT NULL UNIQUE,
    password_hash  TEXT NOT NULL,
    grafana_token  TEXT,
    grafana_org_id BIGINT,
    created_at     TIMESTAMPTZ DEFAULT NOW(),
    updated_at     TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id    BIGINT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS _refresh_tokens_user_id_idx ON _refresh_tokens (user_id);
`

// Bootstrap creates the portal's system tables if they don't exist.
// The grafana_token / grafana_org_id columns stay NULL until provisioning
// succeeds for a user.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, systemTablesSQL); err != nil {
		return fmt.Errorf("create system tables: %w", err)
	}
	return nil
}
