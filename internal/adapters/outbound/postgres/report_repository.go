package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Compile-time check that ReportRepository implements outbound.ReportPublisher
var _ outbound.ReportPublisher = (*ReportRepository)(nil)

// ReportRepository keeps a history of published reports, one row per
// (name, block). Publishing the same block twice replaces the row.
type ReportRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewReportRepository creates a report repository.
func NewReportRepository(pool *pgxpool.Pool, logger *slog.Logger) (*ReportRepository, error) {
	if pool == nil {
		return nil, errors.New("database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportRepository{
		pool:   pool,
		logger: logger.With("component", "postgres-report-repository"),
	}, nil
}

// Publish records report under name.
func (r *ReportRepository) Publish(ctx context.Context, name string, report *entity.Report) error {
	if report == nil {
		return errors.New("report cannot be nil")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	err = withTransaction(ctx, r.pool, r.logger, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO reports (name, block_number, updated, decimals, total, tvl, deposits, borrows, report)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9)
			ON CONFLICT (name, block_number) DO UPDATE SET
				updated = EXCLUDED.updated,
				decimals = EXCLUDED.decimals,
				total = EXCLUDED.total,
				tvl = EXCLUDED.tvl,
				deposits = EXCLUDED.deposits,
				borrows = EXCLUDED.borrows,
				report = EXCLUDED.report,
				created_at = now()`,
			name, int64(report.Block), int64(report.Updated), report.Decimals,
			report.Total, report.TVL, report.Deposits, report.Borrows, body)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record report %s: %w", name, err)
	}

	r.logger.Debug("report recorded", "name", name, "block", report.Block, "users", len(report.Users))
	return nil
}

// Latest returns the most recently updated report for name, or nil when
// none exists.
func (r *ReportRepository) Latest(ctx context.Context, name string) (*entity.Report, error) {
	var body []byte
	err := r.pool.QueryRow(ctx, `
		SELECT report FROM reports
		WHERE name = $1
		ORDER BY updated DESC, block_number DESC
		LIMIT 1`, name).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest report %s: %w", name, err)
	}

	var report entity.Report
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", name, err)
	}
	return &report, nil
}
