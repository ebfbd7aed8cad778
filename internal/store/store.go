// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/jackc/pgx/v4/stdlib"
	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"github.com/pressly/goose/v3"

	"github.com/SyedDaiam9101/mri-classifier/internal/pipeline"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrDisabled is returned by a nil Store.
var ErrDisabled = errors.New("history store is not configured")

// Entry is one recorded prediction. The visualization is not stored.
type Entry struct {
	ID                 string             `json:"id"`
	FileName           string             `json:"file_name"`
	PredictedClass     string             `json:"predicted_class"`
	Confidence         float64            `json:"confidence"`
	ClassProbabilities map[string]float64 `json:"class_probabilities"`
	CreatedAt          time.Time          `json:"created_at"`
}

// Store keeps the prediction history in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate brings the schema up to date.
func Migrate(ctx context.Context, dsn string) (err error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		err = errors.Join(err, db.Close())
	}()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Record stores a served result.
func (s *Store) Record(ctx context.Context, r *pipeline.Result) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	probs, err := jsoniter.MarshalToString(r.ClassProbabilities)
	if err != nil {
		return fmt.Errorf("failed to encode probabilities: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO predictions (id, file_name, predicted_class, confidence, class_probabilities)
		 VALUES ($1, $2, $3, $4, $5::jsonb)`,
		uuid.NewString(), r.FileName, r.PredictedClass, r.Confidence, probs,
	)
	if err != nil {
		return fmt.Errorf("failed to record prediction: %w", err)
	}
	return nil
}

// List returns the newest limit entries, newest first. limit is clamped to
// [1, MaxLimit]; zero or less means DefaultLimit.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, file_name, predicted_class, confidence, class_probabilities::text, created_at
		 FROM predictions ORDER BY created_at DESC, id LIMIT $1`,
		ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var probs string
		if err := rows.Scan(&e.ID, &e.FileName, &e.PredictedClass, &e.Confidence, &probs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		if err := jsoniter.UnmarshalFromString(probs, &e.ClassProbabilities); err != nil {
			return nil, fmt.Errorf("failed to decode probabilities of %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	return entries, nil
}

// Clear deletes the whole history and returns the number of removed entries.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrDisabled
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM predictions`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear predictions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// ClampLimit applies the history paging bounds.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// gooseLogger routes migration output to the service logger.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	log.Fatal().Msgf(format, v...)
}

func (gooseLogger) Printf(format string, v ...interface{}) {
	log.Info().Msgf(format, v...)
}
