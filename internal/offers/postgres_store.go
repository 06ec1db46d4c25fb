package offers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists the offer directory in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a postgres offer store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO offers (owner_address, fiat_currency, crypto_currency, price,
		                    min_amount, max_amount, terms, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`, o.Owner, o.FiatCurrency, o.CryptoCurrency, o.Price,
		o.MinAmount, o.MaxAmount, o.Terms, o.Active).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Offer, error) {
	o := &Offer{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_address, fiat_currency, crypto_currency, price,
		       min_amount, max_amount, terms, active, created_at, updated_at
		FROM offers WHERE id = $1
	`, id).Scan(&o.ID, &o.Owner, &o.FiatCurrency, &o.CryptoCurrency, &o.Price,
		&o.MinAmount, &o.MaxAmount, &o.Terms, &o.Active, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Offer, error) {
	query := `
		SELECT id, owner_address, fiat_currency, crypto_currency, price,
		       min_amount, max_amount, terms, active, created_at, updated_at
		FROM offers
		WHERE true
	`
	var args []interface{}

	if q.Owner != "" {
		query += fmt.Sprintf(" AND owner_address = $%d", len(args)+1)
		args = append(args, q.Owner)
	}
	if q.FiatCurrency != "" {
		query += fmt.Sprintf(" AND fiat_currency = $%d", len(args)+1)
		args = append(args, q.FiatCurrency)
	}
	if q.CryptoCurrency != "" {
		query += fmt.Sprintf(" AND crypto_currency = $%d", len(args)+1)
		args = append(args, q.CryptoCurrency)
	}
	if q.Active != nil {
		query += fmt.Sprintf(" AND active = $%d", len(args)+1)
		args = append(args, *q.Active)
	}

	query += " ORDER BY id DESC"

	if q.Limit <= 0 {
		q.Limit = 100
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	var results []*Offer
	for rows.Next() {
		o := &Offer{}
		if err := rows.Scan(&o.ID, &o.Owner, &o.FiatCurrency, &o.CryptoCurrency, &o.Price,
			&o.MinAmount, &o.MaxAmount, &o.Terms, &o.Active, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, o)
	}
	return results, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers
		SET price = $1, min_amount = $2, max_amount = $3, terms = $4,
		    active = $5, updated_at = NOW()
		WHERE id = $6
	`, o.Price, o.MinAmount, o.MaxAmount, o.Terms, o.Active, o.ID)
	if err != nil {
		return fmt.Errorf("update offer: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}
