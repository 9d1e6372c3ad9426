package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/image-detection-worker/internal/core/domain"
	"github.com/kirillkom/image-detection-worker/internal/infrastructure/resilience"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// DetectionRepository stores detection records keyed by (image_key, version).
type DetectionRepository struct {
	db       *sql.DB
	table    string
	index    string
	executor *resilience.Executor
}

func NewDetectionRepository(db *sql.DB, table string) (*DetectionRepository, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "detection repository", fmt.Errorf("invalid table name %q", table))
	}
	return &DetectionRepository{
		db:    db,
		table: pgx.Identifier{table}.Sanitize(),
		index: pgx.Identifier{"idx_" + table + "_processed_at"}.Sanitize(),
	}, nil
}

// WithExecutor retries transient write failures. The upsert is idempotent, so a replay is safe.
func (r *DetectionRepository) WithExecutor(executor *resilience.Executor) *DetectionRepository {
	r.executor = executor
	return r
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DetectionRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across concurrently starting workers.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	query := `
CREATE TABLE IF NOT EXISTS ` + r.table + ` (
	image_key TEXT NOT NULL,
	version TEXT NOT NULL,
	bucket TEXT NOT NULL,
	object_key TEXT NOT NULL,
	mode TEXT NOT NULL,
	matched BOOLEAN NOT NULL,
	target_labels JSONB NOT NULL DEFAULT '[]'::jsonb,
	min_confidence DOUBLE PRECISION NOT NULL,
	matched_predictions JSONB NOT NULL DEFAULT '[]'::jsonb,
	all_predictions JSONB NOT NULL DEFAULT '[]'::jsonb,
	correlation_id TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (image_key, version)
);

CREATE INDEX IF NOT EXISTS ` + r.index + ` ON ` + r.table + `(processed_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Upsert writes the whole record in one statement; a retry with the same identity overwrites it.
func (r *DetectionRepository) Upsert(ctx context.Context, record domain.DetectionRecord) error {
	targetsJSON, err := json.Marshal(nonNilStrings(record.TargetLabels))
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "marshal target labels", err)
	}
	matchedJSON, err := json.Marshal(nonNilPredictions(record.MatchedPredictions))
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "marshal matched predictions", err)
	}
	allJSON, err := json.Marshal(nonNilPredictions(record.AllPredictions))
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "marshal all predictions", err)
	}

	query := `
INSERT INTO ` + r.table + ` (
	image_key, version, bucket, object_key, mode, matched, target_labels, min_confidence,
	matched_predictions, all_predictions, correlation_id, processed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (image_key, version) DO UPDATE SET
	bucket = EXCLUDED.bucket,
	object_key = EXCLUDED.object_key,
	mode = EXCLUDED.mode,
	matched = EXCLUDED.matched,
	target_labels = EXCLUDED.target_labels,
	min_confidence = EXCLUDED.min_confidence,
	matched_predictions = EXCLUDED.matched_predictions,
	all_predictions = EXCLUDED.all_predictions,
	correlation_id = EXCLUDED.correlation_id,
	processed_at = EXCLUDED.processed_at
`
	args := []any{
		record.ImageKey(), record.Version, record.Bucket, record.Key, string(record.Mode), record.Matched,
		targetsJSON, record.MinConfidence, matchedJSON, allJSON, record.CorrelationID, record.ProcessedAt.UTC(),
	}
	write := func(callCtx context.Context) error {
		_, execErr := r.db.ExecContext(callCtx, query, args...)
		return execErr
	}
	if r.executor != nil {
		err = r.executor.Execute(ctx, "upsert_detection", write, classifyPostgresError)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "upsert detection", err)
	}
	return nil
}

// ListByObject returns every stored version for the object, newest first.
func (r *DetectionRepository) ListByObject(ctx context.Context, ref domain.ObjectRef) ([]domain.DetectionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT version, bucket, object_key, mode, matched, target_labels, min_confidence,
	matched_predictions, all_predictions, correlation_id, processed_at
FROM `+r.table+`
WHERE image_key = $1
ORDER BY processed_at DESC, version DESC
`, ref.ImageKey())
	if err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "query detections", err)
	}
	defer rows.Close()

	var out []domain.DetectionRecord
	for rows.Next() {
		var rec domain.DetectionRecord
		var mode string
		var targetsRaw, matchedRaw, allRaw []byte
		if err := rows.Scan(
			&rec.Version, &rec.Bucket, &rec.Key, &mode, &rec.Matched, &targetsRaw, &rec.MinConfidence,
			&matchedRaw, &allRaw, &rec.CorrelationID, &rec.ProcessedAt,
		); err != nil {
			return nil, domain.WrapError(domain.ErrPersistence, "scan detection", err)
		}
		rec.Mode = domain.DetectionMode(mode)
		if err := json.Unmarshal(targetsRaw, &rec.TargetLabels); err != nil {
			return nil, domain.WrapError(domain.ErrPersistence, "unmarshal target labels", err)
		}
		if err := json.Unmarshal(matchedRaw, &rec.MatchedPredictions); err != nil {
			return nil, domain.WrapError(domain.ErrPersistence, "unmarshal matched predictions", err)
		}
		if err := json.Unmarshal(allRaw, &rec.AllPredictions); err != nil {
			return nil, domain.WrapError(domain.ErrPersistence, "unmarshal all predictions", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrPersistence, "iterate detections", err)
	}
	if len(out) == 0 {
		return nil, domain.WrapError(domain.ErrDetectionNotFound, "list detections", fmt.Errorf("no records for %s", ref))
	}
	return out, nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilPredictions(in []domain.Prediction) []domain.Prediction {
	if in == nil {
		return []domain.Prediction{}
	}
	return in
}

// classifyPostgresError retries connection loss, serialization conflicts and server shutdowns.
func classifyPostgresError(err error) resilience.ErrorClassification {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case strings.HasPrefix(code, "08"), code == "40001", code == "40P01", code == "57P01", code == "57P03":
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		default:
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ClassifyTransportError(err)
}
