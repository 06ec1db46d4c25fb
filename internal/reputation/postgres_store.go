package reputation

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists reputation counters in PostgreSQL. Schema
// comes from the goose migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a postgres reputation store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Get(ctx context.Context, address string) (*Stats, error) {
	s := &Stats{Address: address}
	err := p.db.QueryRowContext(ctx, `
		SELECT trades_initiated, trades_accepted, trades_completed,
		       disputes_initiated, disputes_lost, volume, first_seen, last_active
		FROM reputation_stats WHERE address = $1
	`, address).Scan(&s.TradesInitiated, &s.TradesAccepted, &s.TradesCompleted,
		&s.DisputesInitiated, &s.DisputesLost, &s.Volume, &s.FirstSeen, &s.LastActive)
	if err == sql.ErrNoRows {
		return &Stats{Address: address}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	s.FirstSeen = s.FirstSeen.UTC()
	s.LastActive = s.LastActive.UTC()
	return s, nil
}

func (p *PostgresStore) Apply(ctx context.Context, address string, d Delta) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reputation_stats
			(address, trades_initiated, trades_accepted, trades_completed,
			 disputes_initiated, disputes_lost, volume, first_seen, last_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (address) DO UPDATE SET
			trades_initiated   = reputation_stats.trades_initiated + EXCLUDED.trades_initiated,
			trades_accepted    = reputation_stats.trades_accepted + EXCLUDED.trades_accepted,
			trades_completed   = reputation_stats.trades_completed + EXCLUDED.trades_completed,
			disputes_initiated = reputation_stats.disputes_initiated + EXCLUDED.disputes_initiated,
			disputes_lost      = reputation_stats.disputes_lost + EXCLUDED.disputes_lost,
			volume             = reputation_stats.volume + EXCLUDED.volume,
			last_active        = NOW()
	`, address, d.TradesInitiated, d.TradesAccepted, d.TradesCompleted,
		d.DisputesInitiated, d.DisputesLost, d.Volume)
	if err != nil {
		return fmt.Errorf("apply delta: %w", err)
	}
	return nil
}
