package escrow

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrow records in PostgreSQL. The service
// serializes access per record, so plain transactions are enough here.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_records (trade_id, balance, locked, released, refunded, total_in, total_out)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, r.TradeID, r.Balance, r.Locked, r.Released, r.Refunded, r.TotalIn, r.TotalOut).
		Scan(&r.CreatedAt, &r.UpdatedAt)

	if isUniqueViolation(err) {
		return ErrAlreadyLocked
	}
	if err != nil {
		return err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, tradeID int64) (*Record, error) {
	r := &Record{}
	err := p.db.QueryRowContext(ctx, `
		SELECT trade_id, balance, locked, released, refunded, total_in, total_out, created_at, updated_at
		FROM escrow_records WHERE trade_id = $1
	`, tradeID).Scan(&r.TradeID, &r.Balance, &r.Locked, &r.Released, &r.Refunded,
		&r.TotalIn, &r.TotalOut, &r.CreatedAt, &r.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_records
		SET balance = $2, locked = $3, released = $4, refunded = $5,
		    total_in = $6, total_out = $7, updated_at = NOW()
		WHERE trade_id = $1
	`, r.TradeID, r.Balance, r.Locked, r.Released, r.Refunded, r.TotalIn, r.TotalOut)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *PostgresStore) SavePair(ctx context.Context, a, b *Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range []*Record{a, b} {
		if err := upsertRecord(ctx, tx, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) OpenBalance(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM escrow_records
		WHERE locked AND NOT released AND NOT refunded
	`).Scan(&total)
	return total, err
}

func (p *PostgresStore) Totals(ctx context.Context, tradeIDs []int64) (*Totals, error) {
	t := &Totals{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_in), 0), COALESCE(SUM(total_out), 0), COALESCE(SUM(balance), 0)
		FROM escrow_records WHERE trade_id = ANY($1)
	`, pq.Array(tradeIDs)).Scan(&t.TotalIn, &t.TotalOut, &t.Balance)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, r *Record) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO escrow_records (trade_id, balance, locked, released, refunded, total_in, total_out)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trade_id) DO UPDATE SET
			balance    = EXCLUDED.balance,
			locked     = EXCLUDED.locked,
			released   = EXCLUDED.released,
			refunded   = EXCLUDED.refunded,
			total_in   = EXCLUDED.total_in,
			total_out  = EXCLUDED.total_out,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`, r.TradeID, r.Balance, r.Locked, r.Released, r.Refunded, r.TotalIn, r.TotalOut).
		Scan(&r.CreatedAt, &r.UpdatedAt)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
