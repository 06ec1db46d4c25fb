package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore persists the event log in PostgreSQL. Schema comes from
// the goose migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Append(ctx context.Context, e *Event) error {
	var data []byte
	if e.Data != nil {
		var err error
		data, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO events (type, trade_id, dispute_id, actor, data, created_at)
		VALUES ($1, NULLIF($2, 0), NULLIF($3, 0), NULLIF($4, ''), $5, NOW())
		RETURNING id, created_at
	`, string(e.Type), e.TradeID, e.DisputeID, e.Actor, data).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter, beforeID int64, limit int) ([]*Event, error) {
	party := strings.ToLower(f.Party)

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, trade_id, dispute_id, actor, data, created_at
		FROM events
		WHERE ($1 = '' OR type = $1)
		  AND ($2::BIGINT = 0 OR trade_id = $2)
		  AND ($3 = '' OR actor = $3
		       OR data->>'maker' = $3 OR data->>'taker' = $3
		       OR data->>'from' = $3 OR data->>'to' = $3)
		  AND ($4::BIGINT = 0 OR id < $4)
		ORDER BY id DESC
		LIMIT $5
	`, string(f.Type), f.TradeID, party, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var tradeID, disputeID sql.NullInt64
		var actor sql.NullString
		var data []byte
		if err := rows.Scan(&e.ID, &e.Type, &tradeID, &disputeID, &actor, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TradeID = tradeID.Int64
		e.DisputeID = disputeID.Int64
		e.Actor = actor.String
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
