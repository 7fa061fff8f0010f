package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteProvider is an embedded, single-node Provider, the default
// choice for tests and small deployments that don't run a Postgres
// instance.
type SQLiteProvider struct {
	db *sql.DB
}

func NewSQLiteProvider(path string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: sqlite open: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS xstatenet_snapshots (
		machine_id TEXT PRIMARY KEY,
		active_states TEXT NOT NULL,
		history_memory TEXT NOT NULL,
		context_data TEXT NOT NULL,
		saved_at DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: sqlite migrate: %w", err)
	}
	return &SQLiteProvider{db: db}, nil
}

func (s *SQLiteProvider) Close() error { return s.db.Close() }

func (s *SQLiteProvider) Save(ctx context.Context, snap Snapshot) error {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO xstatenet_snapshots (machine_id, active_states, history_memory, context_data, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(machine_id) DO UPDATE SET
			active_states = excluded.active_states,
			history_memory = excluded.history_memory,
			context_data = excluded.context_data,
			saved_at = excluded.saved_at`,
		snap.MachineID, string(activeStates), string(historyMemory), string(contextData), savedAt)
	return err
}

func (s *SQLiteProvider) Load(ctx context.Context, machineID string) (Snapshot, bool, error) {
	var snap Snapshot
	var activeStates, historyMemory, contextData string
	row := s.db.QueryRowContext(ctx, `
		SELECT machine_id, active_states, history_memory, context_data, saved_at
		FROM xstatenet_snapshots WHERE machine_id = ?`, machineID)
	if err := row.Scan(&snap.MachineID, &activeStates, &historyMemory, &contextData, &snap.SavedAt); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	if err := json.Unmarshal([]byte(activeStates), &snap.ActiveStates); err != nil {
		return Snapshot{}, false, err
	}
	if err := json.Unmarshal([]byte(historyMemory), &snap.HistoryMemory); err != nil {
		return Snapshot{}, false, err
	}
	if err := json.Unmarshal([]byte(contextData), &snap.ContextData); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *SQLiteProvider) Delete(ctx context.Context, machineID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM xstatenet_snapshots WHERE machine_id = ?`, machineID)
	return err
}

func (s *SQLiteProvider) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT machine_id FROM xstatenet_snapshots`)
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
