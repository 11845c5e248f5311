package metadata

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool         *pgxpool.Pool
	cfg          CatalogConfig
	log          *slog.Logger
	mu           sync.RWMutex
	datasetCache map[string]int64
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(cfg CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:         pool,
		cfg:          cfg,
		log:          slog.With("component", "metadata"),
		datasetCache: make(map[string]int64),
	}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// initSchema creates the _audit_* tables if they don't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	_, err := w.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// ensureDataset registers or retrieves a dataset entry.
func (w *PostgresWriter) ensureDataset(ctx context.Context, source, dataset string) (int64, error) {
	cacheKey := source + "." + dataset
	w.mu.RLock()
	if id, ok := w.datasetCache[cacheKey]; ok {
		w.mu.RUnlock()
		return id, nil
	}
	w.mu.RUnlock()

	query := `
		INSERT INTO _audit_datasets (source, dataset)
		VALUES ($1, $2)
		ON CONFLICT (source, dataset)
		DO UPDATE SET updated_at = NOW()
		RETURNING id
	`

	var id int64
	if err := w.pool.QueryRow(ctx, query, source, dataset).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure dataset: %w", err)
	}

	w.mu.Lock()
	w.datasetCache[cacheKey] = id
	w.mu.Unlock()

	return id, nil
}

// RecordCheckOutcome writes one check result for a symbol run.
func (w *PostgresWriter) RecordCheckOutcome(ctx context.Context, rec CheckOutcome) error {
	datasetID, err := w.ensureDataset(ctx, rec.Source, rec.Dataset)
	if err != nil {
		return err
	}

	var details []byte
	if rec.Details != nil {
		details, err = json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
	}

	query := `
		INSERT INTO _audit_check_results (dataset_id, symbol, check_name, summary, details, run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dataset_id, symbol, check_name, run_at)
		DO UPDATE SET
			summary = EXCLUDED.summary,
			details = EXCLUDED.details
	`

	_, err = w.pool.Exec(ctx, query,
		datasetID,
		rec.Symbol,
		rec.CheckName,
		rec.Summary,
		details,
		rec.RunAt,
	)
	if err != nil {
		return fmt.Errorf("record check outcome: %w", err)
	}

	w.log.Debug("recorded check outcome",
		"dataset", rec.Dataset, "symbol", rec.Symbol, "check", rec.CheckName)
	return nil
}

// RecordFailureEvent writes one failure record for a partition.
func (w *PostgresWriter) RecordFailureEvent(ctx context.Context, rec FailureEvent) error {
	datasetID, err := w.ensureDataset(ctx, rec.Source, rec.Dataset)
	if err != nil {
		return err
	}

	var errMsg *string
	if rec.ErrorMessage != "" {
		errMsg = &rec.ErrorMessage
	}

	query := `
		INSERT INTO _audit_failures (
			dataset_id, symbol, day, reason, retry_count, permanent, error_message, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dataset_id, symbol, day, recorded_at)
		DO UPDATE SET
			reason = EXCLUDED.reason,
			retry_count = EXCLUDED.retry_count,
			permanent = EXCLUDED.permanent,
			error_message = EXCLUDED.error_message
	`

	_, err = w.pool.Exec(ctx, query,
		datasetID,
		rec.Symbol,
		rec.Date,
		rec.Reason,
		rec.RetryCount,
		rec.Permanent,
		errMsg,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record failure event: %w", err)
	}

	w.log.Debug("recorded failure event",
		"dataset", rec.Dataset, "symbol", rec.Symbol, "day", rec.Date, "reason", rec.Reason)
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
