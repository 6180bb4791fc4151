package usagelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using SQLite. Suitable for single-instance
// deployments; uses WAL and a single writer connection.
type SQLiteStore struct {
	db         *sql.DB
	insertStmt *sql.Stmt
}

// NewSQLiteStore opens (and if needed bootstraps) the usage database.
// Pass ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		dialect TEXT NOT NULL,
		model TEXT,
		request_model TEXT,
		pricing_model TEXT,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_multiplier REAL NOT NULL DEFAULT 1.0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		first_token_ms INTEGER,
		status_code INTEGER NOT NULL DEFAULT 0,
		session_id TEXT,
		streaming INTEGER NOT NULL DEFAULT 0,
		request_body TEXT,
		response_body TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_records(provider_id);
	CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at);

	CREATE TABLE IF NOT EXISTS pricing_config (
		provider_id TEXT NOT NULL,
		dialect TEXT NOT NULL,
		cost_multiplier REAL NOT NULL DEFAULT 1.0,
		model_source TEXT NOT NULL DEFAULT 'response',
		PRIMARY KEY (provider_id, dialect)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO usage_records (
			id, provider_id, dialect, model, request_model, pricing_model,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			estimated_output_tokens, cost_multiplier, latency_ms, first_token_ms,
			status_code, session_id, streaming, request_body, response_body, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	return nil
}

// ResolvePricing returns the configured multiplier and pricing model source
// for a provider/dialect pair. Lookup order: exact provider row, then the
// wildcard provider row ("*"), then built-in defaults (1.0, "response").
func (s *SQLiteStore) ResolvePricing(ctx context.Context, providerID, dialectTag string) (float64, string) {
	for _, provider := range []string{providerID, "*"} {
		var multiplier float64
		var source string
		err := s.db.QueryRowContext(ctx,
			`SELECT cost_multiplier, model_source FROM pricing_config
			 WHERE provider_id = ? AND dialect = ?`,
			provider, dialectTag,
		).Scan(&multiplier, &source)
		switch {
		case err == nil:
			if source != ModelSourceRequest && source != ModelSourceResponse {
				source = ModelSourceResponse
			}
			return multiplier, source
		case errors.Is(err, sql.ErrNoRows):
			// fall through to the next lookup
		default:
			log.Warn().Err(err).
				Str("provider", provider).
				Str("dialect", dialectTag).
				Msg("usagelog: pricing lookup failed, using defaults")
			return 1.0, ModelSourceResponse
		}
	}
	return 1.0, ModelSourceResponse
}

// SetPricing upserts the pricing configuration for a provider/dialect pair.
// Use "*" as providerID for the dialect-wide default.
func (s *SQLiteStore) SetPricing(ctx context.Context, providerID, dialectTag string, multiplier float64, modelSource string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pricing_config (provider_id, dialect, cost_multiplier, model_source)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (provider_id, dialect) DO UPDATE SET
			cost_multiplier = excluded.cost_multiplier,
			model_source = excluded.model_source`,
		providerID, dialectTag, multiplier, modelSource)
	if err != nil {
		return fmt.Errorf("failed to set pricing config: %w", err)
	}
	return nil
}

// Insert persists one usage record.
func (s *SQLiteStore) Insert(ctx context.Context, rec *Record) error {
	var firstToken any
	if rec.FirstTokenMs != nil {
		firstToken = *rec.FirstTokenMs
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.insertStmt.ExecContext(ctx,
		rec.ID, rec.ProviderID, rec.DialectTag, rec.Model, rec.RequestModel, rec.PricingModel,
		rec.InputTokens, rec.OutputTokens, rec.CacheReadTokens, rec.CacheCreationTokens,
		rec.EstimatedOutputTokens, rec.CostMultiplier, rec.LatencyMs, firstToken,
		rec.StatusCode, rec.SessionID, rec.Streaming, rec.RequestBody, rec.ResponseBody,
		createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.insertStmt != nil {
		_ = s.insertStmt.Close()
	}
	return s.db.Close()
}
