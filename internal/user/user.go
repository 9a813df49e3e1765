package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"portal-backend/internal/store"
)

var ErrEmailTaken = errors.New("email already registered")

// User is a registered portal principal. GrafanaToken and GrafanaOrgID are
// nil until Grafana provisioning has succeeded; the provisioning flow is the
// only writer of those columns.
type User struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash string
	GrafanaToken *string
	GrafanaOrgID *int64
}

// Provisioned reports whether the user already holds a Grafana credential.
func (u *User) Provisioned() bool {
	return u.GrafanaToken != nil && *u.GrafanaToken != ""
}

// Token returns the stored Grafana credential, or "" when unprovisioned.
func (u *User) Token() string {
	if u.GrafanaToken == nil {
		return ""
	}
	return *u.GrafanaToken
}

// OrgID returns the stored Grafana organization id, or 0 when unprovisioned.
func (u *User) OrgID() int64 {
	if u.GrafanaOrgID == nil {
		return 0
	}
	return *u.GrafanaOrgID
}

// Repo provides access to the _users table.
type Repo struct {
	DB store.Querier
}

func NewRepo(db store.Querier) *Repo {
	return &Repo{DB: db}
}

// Create inserts a new user and returns it with the generated id.
func (r *Repo) Create(ctx context.Context, name, email, passwordHash string) (*User, error) {
	u := &User{Name: name, Email: email, PasswordHash: passwordHash}
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO _users (name, email, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		name, email, passwordHash).Scan(&u.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// FindByID loads a user by primary key.
func (r *Repo) FindByID(ctx context.Context, id int64) (*User, error) {
	return r.scanOne(r.DB.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash, grafana_token, grafana_org_id
		 FROM _users WHERE id = $1`, id))
}

// FindByEmail loads a user by email.
func (r *Repo) FindByEmail(ctx context.Context, email string) (*User, error) {
	return r.scanOne(r.DB.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash, grafana_token, grafana_org_id
		 FROM _users WHERE email = $1`, email))
}

// SetGrafanaCredentials persists the provisioning result. Called exactly once
// per user, after the whole bootstrap sequence has succeeded.
func (r *Repo) SetGrafanaCredentials(ctx context.Context, id int64, token string, orgID int64) error {
	_, err := store.Exec(ctx, r.DB,
		`UPDATE _users SET grafana_token = $1, grafana_org_id = $2, updated_at = NOW() WHERE id = $3`,
		token, orgID, id)
	if err != nil {
		return fmt.Errorf("update grafana credentials: %w", err)
	}
	return nil
}

func (r *Repo) scanOne(row *sql.Row) (*User, error) {
	var (
		u     User
		token sql.NullString
		orgID sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &token, &orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if token.Valid {
		u.GrafanaToken = &token.String
	}
	if orgID.Valid {
		u.GrafanaOrgID = &orgID.Int64
	}
	return &u, nil
}
