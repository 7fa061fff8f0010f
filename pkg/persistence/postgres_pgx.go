package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxProvider is a pooled Postgres-backed Provider using jackc/pgx's
// native driver. Schema (one row per machine, JSONB payload columns):
//
//	CREATE TABLE IF NOT EXISTS xstatenet_snapshots (
//	    machine_id     text PRIMARY KEY,
//	    active_states  jsonb NOT NULL,
//	    history_memory jsonb NOT NULL,
//	    context_data   jsonb NOT NULL,
//	    saved_at       timestamptz NOT NULL
//	);
type PgxProvider struct {
	pool *pgxpool.Pool
}

func NewPgxProvider(ctx context.Context, dsn string) (*PgxProvider, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: pgx connect: %w", err)
	}
	return &PgxProvider{pool: pool}, nil
}

func (p *PgxProvider) Close() { p.pool.Close() }

func (p *PgxProvider) Save(ctx context.Context, snap Snapshot) error {
	activeStates, err := json.Marshal(snap.ActiveStates)
	if err != nil {
		return err
	}
	historyMemory, err := json.Marshal(snap.HistoryMemory)
	if err != nil {
		return err
	}
	contextData, err := json.Marshal(snap.ContextData)
	if err != nil {
		return err
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO xstatenet_snapshots (machine_id, active_states, history_memory, context_data, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (machine_id) DO UPDATE SET
			active_states = EXCLUDED.active_states,
			history_memory = EXCLUDED.history_memory,
			context_data = EXCLUDED.context_data,
			saved_at = EXCLUDED.saved_at`,
		snap.MachineID, activeStates, historyMemory, contextData, savedAt)
	return err
}

func (p *PgxProvider) Load(ctx context.Context, machineID string) (Snapshot, bool, error) {
	var snap Snapshot
	var activeStates, historyMemory, contextData []byte
	row := p.pool.QueryRow(ctx, `
		SELECT machine_id, active_states, history_memory, context_data, saved_at
		FROM xstatenet_snapshots WHERE machine_id = $1`, machineID)
	err := row.Scan(&snap.MachineID, &activeStates, &historyMemory, &contextData, &snap.SavedAt)
	if err != nil {
		return Snapshot{}, false, nil
	}
	if err := json.Unmarshal(activeStates, &snap.ActiveStates); err != nil {
		return Snapshot{}, false, err
	}
	if err := json.Unmarshal(historyMemory, &snap.HistoryMemory); err != nil {
		return Snapshot{}, false, err
	}
	if err := json.Unmarshal(contextData, &snap.ContextData); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (p *PgxProvider) Delete(ctx context.Context, machineID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM xstatenet_snapshots WHERE machine_id = $1`, machineID)
	return err
}

func (p *PgxProvider) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT machine_id FROM xstatenet_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
