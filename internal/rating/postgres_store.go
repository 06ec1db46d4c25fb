package rating

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists ratings in PostgreSQL. Schema comes from the
// goose migrations in migrations/; the UNIQUE (trade_id, rater) index
// backs the one-rating-per-party rule.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a postgres rating store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Add(ctx context.Context, r *Rating) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO ratings (trade_id, rater, ratee, stars, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`, r.TradeID, r.Rater, r.Ratee, r.Stars, r.Comment).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyRated
		}
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByRatee(ctx context.Context, address string, beforeID int64, limit int) ([]*Rating, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, rater, ratee, stars, comment, created_at
		FROM ratings
		WHERE ratee = $1 AND ($2::BIGINT = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`, address, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRatings(rows)
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID int64) ([]*Rating, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, rater, ratee, stars, comment, created_at
		FROM ratings WHERE trade_id = $1 ORDER BY id
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRatings(rows)
}

func (p *PostgresStore) Summarize(ctx context.Context, address string) (*Summary, error) {
	sum := &Summary{Address: address}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(stars), 0)
		FROM ratings WHERE ratee = $1
	`, address).Scan(&sum.Count, &sum.Average)
	if err != nil {
		return nil, fmt.Errorf("summarize ratings: %w", err)
	}
	return sum, nil
}

func scanRatings(rows *sql.Rows) ([]*Rating, error) {
	var result []*Rating
	for rows.Next() {
		r := &Rating{}
		if err := rows.Scan(&r.ID, &r.TradeID, &r.Rater, &r.Ratee, &r.Stars, &r.Comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		result = append(result, r)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
