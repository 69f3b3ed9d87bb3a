package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"yield-guard/internal/ratehistory"
)

const (
	upsertRateSampleSQL = `INSERT INTO rate_samples (
        source_id,
        observed_at,
        rate,
        origin
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (source_id, observed_at) DO UPDATE
    SET
        rate   = EXCLUDED.rate,
        origin = EXCLUDED.origin;`

	listSamplesSinceSQL = `SELECT
        source_id,
        observed_at,
        rate,
        origin
    FROM rate_samples
    WHERE observed_at >= $1
    ORDER BY observed_at;`

	listSamplesBetweenSQL = `SELECT
        source_id,
        observed_at,
        rate,
        origin
    FROM rate_samples
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at;`

	listRecentSamplesSQL = `SELECT
        source_id,
        observed_at,
        rate,
        origin
    FROM rate_samples
    ORDER BY observed_at DESC
    LIMIT $1;`

	deleteSamplesBeforeSQL = `DELETE FROM rate_samples WHERE observed_at < $1;`
)

// InsertRateSample persists one observation. Re-recording the same instant
// overwrites the rate.
func (s *Store) InsertRateSample(ctx context.Context, sample ratehistory.Sample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertRateSampleSQL,
		sample.SourceID,
		sample.ObservedAt.UTC(),
		sample.Rate.String(),
		string(sample.Origin),
	)
	if execErr != nil {
		return fmt.Errorf("upsert rate sample: %w", execErr)
	}
	return nil
}

// ListSamplesSince returns every sample observed at or after since, oldest first.
func (s *Store) ListSamplesSince(ctx context.Context, since time.Time) ([]ratehistory.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesSinceSQL, since.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list samples since: %w", queryErr)
	}
	return collectSamples(rows, 0)
}

// ListSamplesBetween lists samples within [from, to).
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]ratehistory.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from.UTC(), to.UTC())
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples, newest first.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]ratehistory.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	return collectSamples(rows, limit)
}

// DeleteSamplesBefore drops samples older than cutoff and reports how many went.
func (s *Store) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSamplesBeforeSQL, cutoff.UTC())
	if execErr != nil {
		return 0, fmt.Errorf("delete samples before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]ratehistory.Sample, error) {
	defer rows.Close()

	samples := make([]ratehistory.Sample, 0, capacity)
	for rows.Next() {
		sample, err := scanRateSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanRateSample(rows pgx.Rows) (ratehistory.Sample, error) {
	var (
		sourceID   string
		observedAt time.Time
		rateStr    string
		origin     string
	)
	if err := rows.Scan(&sourceID, &observedAt, &rateStr, &origin); err != nil {
		return ratehistory.Sample{}, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return ratehistory.Sample{}, fmt.Errorf("parse rate: %w", err)
	}

	return ratehistory.Sample{
		SourceID:   sourceID,
		ObservedAt: observedAt.UTC(),
		Rate:       rate,
		Origin:     ratehistory.Origin(origin),
	}, nil
}
