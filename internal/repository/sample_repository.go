// internal/repository/sample_repository.go
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sensor-reader/internal/database"
	"sensor-reader/internal/model"
)

// MirroredSample is one durable record copied to the database
type MirroredSample struct {
	SessionID string
	Record    model.SampleRecord
	Moisture  decimal.NullDecimal
}

// SampleRepository defines mirror storage operations
type SampleRepository interface {
	Insert(ctx context.Context, sample MirroredSample) error
	Recent(ctx context.Context, limit int) ([]model.SampleRecord, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
}

// sampleRepository implements SampleRepository on postgres
type sampleRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewSampleRepository creates a new sample repository
func NewSampleRepository(db *database.DB, logger *zap.Logger) SampleRepository {
	return &sampleRepository{
		db:     db,
		logger: logger,
	}
}

// Insert stores a sample. Re-inserting the same session and timestamp is a
// no-op.
func (r *sampleRepository) Insert(ctx context.Context, sample MirroredSample) error {
	query := `
		INSERT INTO sensor_samples (session_id, recorded_at, reading, moisture)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, recorded_at) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		sample.SessionID, sample.Record.Timestamp, sample.Record.Reading, sample.Moisture,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}
	return nil
}

// Recent returns the newest limit samples, oldest first
func (r *sampleRepository) Recent(ctx context.Context, limit int) ([]model.SampleRecord, error) {
	query := `
		SELECT recorded_at, reading FROM (
			SELECT recorded_at, reading FROM sensor_samples
			ORDER BY recorded_at DESC LIMIT $1
		) newest ORDER BY recorded_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []model.SampleRecord
	for rows.Next() {
		var rec model.SampleRecord
		if err := rows.Scan(&rec.Timestamp, &rec.Reading); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate samples: %w", err)
	}
	return samples, nil
}

// CountSince counts samples recorded at or after since
func (r *sampleRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sensor_samples WHERE recorded_at >= $1", since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return n, nil
}
