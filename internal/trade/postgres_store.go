package trade

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists trades in PostgreSQL. Status writes carry the
// expected previous status so a lost race surfaces as ErrStatusConflict
// instead of a silent overwrite, and the per-status counts move in the
// same transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) CreateChain(ctx context.Context, trades []*Trade) error {
	if len(trades) == 0 {
		return ErrNoOffers
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(trades))
	for _, t := range trades {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO trades (offer_id, maker, taker, fiat_amount, crypto_amount,
			                    fiat_currency, crypto_currency, fee, timeout_seconds,
			                    cancel_reason, status, sequence_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)
			RETURNING id, created_at, updated_at
		`, t.OfferID, t.Maker, t.Taker, t.FiatAmount, t.CryptoAmount,
			t.FiatCurrency, t.CryptoCurrency, t.Fee, t.TimeoutSeconds,
			t.CancelReason, t.Status).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return err
		}
		t.CreatedAt = t.CreatedAt.UTC()
		t.UpdatedAt = t.UpdatedAt.UTC()
		ids = append(ids, t.ID)

		if err := adjustCount(ctx, tx, t.Status, 1); err != nil {
			return err
		}
	}

	if len(ids) > 1 {
		head := ids[0]
		if _, err := tx.ExecContext(ctx, `
			UPDATE trades SET sequence_id = $1 WHERE id = ANY($2)
		`, head, pq.Array(ids)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trade_sequences (head_id, trade_ids) VALUES ($1, $2)
		`, head, pq.Array(ids)); err != nil {
			return err
		}
		for _, t := range trades {
			t.SequenceID = head
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, tradeID int64) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, offer_id, maker, taker, fiat_amount, crypto_amount,
		       fiat_currency, crypto_currency, fee, timeout_seconds,
		       cancel_reason, status, sequence_id, finalized_at, created_at, updated_at
		FROM trades WHERE id = $1
	`, tradeID)

	t, err := scanTradeRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, t *Trade, expect Status) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var finalizedAt interface{}
	if !t.FinalizedAt.IsZero() {
		finalizedAt = t.FinalizedAt
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE trades
		SET status = $3, finalized_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, t.ID, expect, t.Status, finalizedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var current Status
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM trades WHERE id = $1
		`, t.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTradeNotFound
		}
		if err != nil {
			return err
		}
		return ErrStatusConflict
	}

	if err := adjustCount(ctx, tx, expect, -1); err != nil {
		return err
	}
	if err := adjustCount(ctx, tx, t.Status, 1); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListByParty(ctx context.Context, address string, beforeID int64, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, offer_id, maker, taker, fiat_amount, crypto_amount,
		       fiat_currency, crypto_currency, fee, timeout_seconds,
		       cancel_reason, status, sequence_id, finalized_at, created_at, updated_at
		FROM trades
		WHERE (maker = $1 OR taker = $1) AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`, address, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

func (p *PostgresStore) SequenceFor(ctx context.Context, tradeID int64) ([]int64, error) {
	var ids []int64
	err := p.db.QueryRowContext(ctx, `
		SELECT s.trade_ids FROM trade_sequences s
		JOIN trades t ON t.sequence_id = s.head_id
		WHERE t.id = $1
	`, tradeID).Scan(pq.Array(&ids))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *PostgresStore) OpenSequences(ctx context.Context) ([][]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.trade_ids FROM trade_sequences s
		WHERE EXISTS (
			SELECT 1 FROM trades t
			WHERE t.sequence_id = s.head_id AND t.status IN ($1, $2, $3, $4)
		)
		ORDER BY s.head_id
	`, StatusInitiated, StatusAccepted, StatusFiatPaid, StatusDisputed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]int64
	for rows.Next() {
		var ids []int64
		if err := rows.Scan(pq.Array(&ids)); err != nil {
			return nil, err
		}
		out = append(out, ids)
	}
	return out, rows.Err()
}

func (p *PostgresStore) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, count FROM trade_status_counts WHERE count <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int64)
	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, offer_id, maker, taker, fiat_amount, crypto_amount,
		       fiat_currency, crypto_currency, fee, timeout_seconds,
		       cancel_reason, status, sequence_id, finalized_at, created_at, updated_at
		FROM trades
		WHERE status IN ($1, $2)
		  AND created_at + make_interval(secs => timeout_seconds::double precision) <= $3
		ORDER BY id
		LIMIT $4
	`, StatusInitiated, StatusAccepted, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

// adjustCount moves the running per-status total inside the caller's
// transaction.
func adjustCount(ctx context.Context, tx *sql.Tx, st Status, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trade_status_counts (status, count)
		VALUES ($1, $2)
		ON CONFLICT (status) DO UPDATE SET count = trade_status_counts.count + EXCLUDED.count
	`, st, delta)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTradeRow(row rowScanner) (*Trade, error) {
	t := &Trade{}
	var finalizedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.OfferID, &t.Maker, &t.Taker,
		&t.FiatAmount, &t.CryptoAmount, &t.FiatCurrency, &t.CryptoCurrency,
		&t.Fee, &t.TimeoutSeconds, &t.CancelReason, &t.Status, &t.SequenceID,
		&finalizedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if finalizedAt.Valid {
		t.FinalizedAt = finalizedAt.Time.UTC()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func collectTrades(rows *sql.Rows) ([]*Trade, error) {
	var out []*Trade
	for rows.Next() {
		t, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
