package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/inference-gateway/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside the Docker runtime image, which does not carry internal/db/schema.sql.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for the gateway store")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Gateway schema initialized")
	return nil
}

// GetPool exposes the connection pool for the ledger and other subsystems.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// --- Upstream providers ---

// SaveUpstream upserts one provider row. A zero provider fee is replaced
// with the per-provider default.
func (s *PostgresStore) SaveUpstream(ctx context.Context, u models.Upstream) error {
	fee := u.ProviderFee
	if fee <= 0 {
		fee = models.DefaultProviderFee(u.Provider)
	}
	sql := `
		INSERT INTO upstreams (id, provider, base_url, api_key, api_version, enabled, provider_fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider,
			base_url = EXCLUDED.base_url,
			api_key = EXCLUDED.api_key,
			api_version = EXCLUDED.api_version,
			enabled = EXCLUDED.enabled,
			provider_fee = EXCLUDED.provider_fee;
	`
	_, err := s.pool.Exec(ctx, sql, u.ID, u.Provider, u.BaseURL, u.APIKey, u.APIVersion, u.Enabled, fee)
	return err
}

func (s *PostgresStore) ListUpstreams(ctx context.Context) ([]models.Upstream, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider, base_url, api_key, api_version, enabled, provider_fee
		FROM upstreams ORDER BY id;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Upstream
	for rows.Next() {
		var u models.Upstream
		if err := rows.Scan(&u.ID, &u.Provider, &u.BaseURL, &u.APIKey, &u.APIVersion, &u.Enabled, &u.ProviderFee); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteUpstream(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM upstreams WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upstream not found: %s", id)
	}
	return nil
}

// --- Model overrides ---

// ModelOverride pairs a replacement record with its enabled flag. A disabled
// override suppresses the model entirely for that upstream.
type ModelOverride struct {
	Model   models.Model
	Enabled bool
}

// SaveModelOverride stores a full model record that replaces the upstream's
// cached view of the same canonical id.
func (s *PostgresStore) SaveModelOverride(ctx context.Context, upstreamID string, m models.Model, enabled bool) error {
	record, err := json.Marshal(m)
	if err != nil {
		return err
	}
	sql := `
		INSERT INTO model_overrides (model_id, upstream_id, record, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model_id, upstream_id) DO UPDATE SET
			record = EXCLUDED.record,
			enabled = EXCLUDED.enabled,
			updated_at = NOW();
	`
	_, err = s.pool.Exec(ctx, sql, m.ID, upstreamID, record, enabled)
	return err
}

// ListModelOverrides returns all override rows for one upstream, keyed by
// canonical model id.
func (s *PostgresStore) ListModelOverrides(ctx context.Context, upstreamID string) (map[string]ModelOverride, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record, enabled FROM model_overrides WHERE upstream_id = $1`, upstreamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]ModelOverride)
	for rows.Next() {
		var record []byte
		var enabled bool
		if err := rows.Scan(&record, &enabled); err != nil {
			return nil, err
		}
		var m models.Model
		if err := json.Unmarshal(record, &m); err != nil {
			log.Printf("[DB] Skipping unparseable model override for upstream %s: %v", upstreamID, err)
			continue
		}
		out[m.ID] = ModelOverride{Model: m, Enabled: enabled}
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteModelOverride(ctx context.Context, modelID, upstreamID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM model_overrides WHERE model_id = $1 AND upstream_id = $2`, modelID, upstreamID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("model override not found: %s/%s", upstreamID, modelID)
	}
	return nil
}

// --- Settings ---

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	sql := `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW();
	`
	_, err := s.pool.Exec(ctx, sql, key, value)
	return err
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PostgresStore) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
