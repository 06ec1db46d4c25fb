package arbitration

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes and evidence in PostgreSQL.
// ResolveAt maps to a nullable column; NULL means never initiated.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO disputes (trade_id, status, favor_maker)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, d.TradeID, d.Status, d.FavorMaker).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)

	if isUniqueViolation(err) {
		return ErrAlreadyDisputed
	}
	if err != nil {
		return err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Dispute, error) {
	return p.scanDispute(p.db.QueryRowContext(ctx, `
		SELECT id, trade_id, status, favor_maker, resolve_at, created_at, updated_at
		FROM disputes WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetByTrade(ctx context.Context, tradeID int64) (*Dispute, error) {
	return p.scanDispute(p.db.QueryRowContext(ctx, `
		SELECT id, trade_id, status, favor_maker, resolve_at, created_at, updated_at
		FROM disputes WHERE trade_id = $1
	`, tradeID))
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	var resolveAt interface{}
	if d.Initiated() {
		resolveAt = d.ResolveAt
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, favor_maker = $3, resolve_at = $4, updated_at = NOW()
		WHERE id = $1
	`, d.ID, d.Status, d.FavorMaker, resolveAt)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) AppendEvidence(ctx context.Context, e *Evidence) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO dispute_evidence (dispute_id, author, text)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, e.DisputeID, e.Author, e.Text).Scan(&e.ID, &e.CreatedAt)

	if isForeignKeyViolation(err) {
		return ErrDisputeNotFound
	}
	if err != nil {
		return err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return nil
}

func (p *PostgresStore) ListEvidence(ctx context.Context, disputeID int64) ([]*Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, author, text, created_at
		FROM dispute_evidence WHERE dispute_id = $1
		ORDER BY id
	`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*Evidence{}
	for rows.Next() {
		e := &Evidence{}
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.Author, &e.Text, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, status, favor_maker, resolve_at, created_at, updated_at
		FROM disputes
		WHERE status = $1 AND resolve_at IS NOT NULL AND resolve_at <= $2
		ORDER BY resolve_at
		LIMIT $3
	`, StatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*Dispute
	for rows.Next() {
		d, err := p.scanDisputeRow(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanDispute(row *sql.Row) (*Dispute, error) {
	d, err := p.scanDisputeRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) scanDisputeRow(row rowScanner) (*Dispute, error) {
	d := &Dispute{}
	var resolveAt sql.NullTime
	if err := row.Scan(&d.ID, &d.TradeID, &d.Status, &d.FavorMaker,
		&resolveAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if resolveAt.Valid {
		d.ResolveAt = resolveAt.Time.UTC()
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
