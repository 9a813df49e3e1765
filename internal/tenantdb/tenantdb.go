// Package tenantdb provisions the per-user sales database that Grafana
// dashboards are pointed at: one schema per user, a single sales table, and
// 90 days of seeded demo data.
package tenantdb

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/gosimple/slug"

	"portal-backend/internal/store"
)

const seedDays = 90

var categories = []string{"Hardware", "Software", "Service"}

// Provisioner ensures tenant schemas on the shared Postgres instance.
type Provisioner struct {
	Store *store.Store
}

func NewProvisioner(s *store.Store) *Provisioner {
	return &Provisioner{Store: s}
}

// SchemaName derives the deterministic tenant schema name from a user's
// display name, e.g. "Hanna Meyer" -> "hanna_meyer_db".
func SchemaName(displayName string) string {
	return strings.ReplaceAll(slug.Make(displayName), "-", "_") + "_db"
}

// Ensure creates the tenant schema and its sales table if absent and seeds
// demo rows when the table is empty. Returns the schema name. Safe to re-run:
// both DDL statements are IF NOT EXISTS and the seed is guarded by a row
// count, so a repeat invocation inserts nothing.
func (p *Provisioner) Ensure(ctx context.Context, displayName string) (string, error) {
	schema := SchemaName(displayName)

	if _, err := store.Exec(ctx, p.Store.DB,
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema)); err != nil {
		return "", fmt.Errorf("create schema %s: %w", schema, err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q.sales (
			id         BIGSERIAL PRIMARY KEY,
			sale_date  DATE NOT NULL,
			amount     NUMERIC(10,2) NOT NULL,
			category   TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`, schema)
	if _, err := store.Exec(ctx, p.Store.DB, createTable); err != nil {
		return "", fmt.Errorf("create sales table in %s: %w", schema, err)
	}

	row, err := store.QueryRow(ctx, p.Store.DB,
		fmt.Sprintf(`SELECT COUNT(*) AS c FROM %q.sales`, schema))
	if err != nil {
		return "", fmt.Errorf("count sales rows in %s: %w", schema, err)
	}
	count, _ := row["c"].(int64)
	if count > 0 {
		return schema, nil
	}

	insert := fmt.Sprintf(
		`INSERT INTO %q.sales (sale_date, amount, category, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())`, schema)
	for _, r := range seedRows(time.Now()) {
		if _, err := store.Exec(ctx, p.Store.DB, insert, r.Date, r.Amount, r.Category); err != nil {
			return "", fmt.Errorf("seed sales rows in %s: %w", schema, err)
		}
	}

	return schema, nil
}

type saleRow struct {
	Date     time.Time
	Amount   float64
	Category string
}

// seedRows generates one synthetic sales record per day for the trailing
// seedDays days ending today inclusive. Amounts fall in [80.00, 400.99].
func seedRows(today time.Time) []saleRow {
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())

	rows := make([]saleRow, 0, seedDays)
	for i := 0; i < seedDays; i++ {
		rows = append(rows, saleRow{
			Date:     day.AddDate(0, 0, -i),
			Amount:   float64(80+rand.IntN(321)) + float64(rand.IntN(100))/100,
			Category: categories[rand.IntN(len(categories))],
		})
	}
	return rows
}
