package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// LibPQProvider is an alternate Postgres-backed Provider over the
// classic database/sql driver (lib/pq), kept alongside PgxProvider to
// exercise both Postgres driver styles the module depends on. Uses
// the same xstatenet_snapshots schema as PgxProvider.
type LibPQProvider struct {
	db *sql.DB
}

func NewLibPQProvider(dsn string) (*LibPQProvider, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: lib/pq open: %w", err)
	}
	return &LibPQProvider{db: db}, nil
}

func (p *LibPQProvider) Close() error { return p.db.Close() }

func (p *LibPQProvider) Save(ctx context.Context, snap Snapshot) error {
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
	_, err = p.db.ExecContext(ctx, `
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

func (p *LibPQProvider) Load(ctx context.Context, machineID string) (Snapshot, bool, error) {
	var snap Snapshot
	var activeStates, historyMemory, contextData []byte
	row := p.db.QueryRowContext(ctx, `
		SELECT machine_id, active_states, history_memory, context_data, saved_at
		FROM xstatenet_snapshots WHERE machine_id = $1`, machineID)
	if err := row.Scan(&snap.MachineID, &activeStates, &historyMemory, &contextData, &snap.SavedAt); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
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

func (p *LibPQProvider) Delete(ctx context.Context, machineID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM xstatenet_snapshots WHERE machine_id = $1`, machineID)
	return err
}

func (p *LibPQProvider) List(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT machine_id FROM xstatenet_snapshots`)
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
