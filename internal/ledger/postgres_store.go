package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/peertradehq/peertrade/internal/retry"
)

// Serializable transactions abort on write conflicts; writes are
// retried a few times before the error surfaces.
const (
	txAttempts  = 3
	txBaseDelay = 25 * time.Millisecond
)

// PostgresStore implements Store with PostgreSQL. Schema comes from the
// goose migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	bal := &Balance{Account: account}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, total_in, total_out, updated_at
		FROM ledger_accounts WHERE account = $1
	`, account).Scan(&bal.Available, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return zeroBalance(account), nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Credit(ctx context.Context, account string, amount decimal.Decimal, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_accounts (account, available, total_in, updated_at)
			VALUES ($1, $2, $2, NOW())
			ON CONFLICT (account) DO UPDATE SET
				available  = ledger_accounts.available + $2,
				total_in   = ledger_accounts.total_in  + $2,
				updated_at = NOW()
		`, account, amount)
		if err != nil {
			return fmt.Errorf("credit account: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (kind, to_account, amount, reference, created_at)
			VALUES ('deposit', $1, $2, $3, NOW())
		`, account, amount, reference)
		if err != nil {
			// Unique index on deposit references backstops the
			// service-level HasDeposit check under concurrent credits.
			if isUniqueViolation(err) {
				return ErrDuplicateDeposit
			}
			return fmt.Errorf("record deposit entry: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) Debit(ctx context.Context, account string, amount decimal.Decimal, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		// The CHECK constraint (available >= 0) turns an overdraft into
		// an error instead of a negative balance.
		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts SET
				available  = available - $2,
				total_out  = total_out + $2,
				updated_at = NOW()
			WHERE account = $1
		`, account, amount)
		if err != nil {
			if isCheckViolation(err) {
				return ErrInsufficientFunds
			}
			return fmt.Errorf("debit account: %w", err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrAccountNotFound
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (kind, from_account, amount, reference, created_at)
			VALUES ('withdrawal', $1, $2, $3, NOW())
		`, account, amount, reference)
		if err != nil {
			return fmt.Errorf("record withdrawal entry: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		// Debit source first; CHECK constraint guards overdraft.
		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts SET
				available  = available - $2,
				total_out  = total_out + $2,
				updated_at = NOW()
			WHERE account = $1
		`, from, amount)
		if err != nil {
			if isCheckViolation(err) {
				return ErrInsufficientFunds
			}
			return fmt.Errorf("debit transfer source: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrAccountNotFound
		}

		// Credit destination, creating it if needed.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_accounts (account, available, total_in, updated_at)
			VALUES ($1, $2, $2, NOW())
			ON CONFLICT (account) DO UPDATE SET
				available  = ledger_accounts.available + $2,
				total_in   = ledger_accounts.total_in  + $2,
				updated_at = NOW()
		`, to, amount)
		if err != nil {
			return fmt.Errorf("credit transfer destination: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (kind, from_account, to_account, amount, reference, created_at)
			VALUES ('transfer', $1, $2, $3, $4, NOW())
		`, from, to, amount, reference)
		if err != nil {
			return fmt.Errorf("record transfer entry: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) History(ctx context.Context, account string, beforeID int64, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, from_account, to_account, amount, reference, created_at
		FROM ledger_entries
		WHERE (from_account = $1 OR to_account = $1)
		  AND ($2::BIGINT = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`, account, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var from, to, reference sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &from, &to, &e.Amount, &reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.From = from.String
		e.To = to.String
		e.Reference = reference.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) HasDeposit(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE kind = 'deposit' AND reference = $1)
	`, reference).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) TotalAvailable(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available), 0) FROM ledger_accounts
	`).Scan(&total)
	return total, err
}

// inTx runs fn inside a serializable transaction, retrying
// serialization aborts. Everything else is permanent.
func (p *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return retry.Do(ctx, txAttempts, txBaseDelay, func() error {
		err := p.runTx(ctx, fn)
		if err == nil || isSerializationFailure(err) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// 40001 serialization_failure, 40P01 deadlock_detected
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
