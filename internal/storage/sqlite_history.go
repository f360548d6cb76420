package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

// SQLiteHistory is a HistoryStore kept in a local SQLite file, for deployments
// that archive trip history apart from the live store.
type SQLiteHistory struct {
	db *sql.DB
}

func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)
	h := &SQLiteHistory{db: db}
	if err := h.Init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return h, nil
}

// Init creates the necessary tables and indexes.
func (h *SQLiteHistory) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trip_history (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		role TEXT NOT NULL,
		driver_id TEXT NOT NULL,
		cycle_id TEXT NOT NULL,
		passengers TEXT NOT NULL,
		geometry TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_owner ON trip_history(owner_id);
	`
	_, err := h.db.Exec(schema)
	return err
}

func (h *SQLiteHistory) SaveSnapshots(ctx context.Context, snaps []models.TripHistorySnapshot) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trip_history
		(id, owner_id, role, driver_id, cycle_id, passengers, geometry, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range snaps {
		passengers, err := json.Marshal(s.Passengers)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			s.ID, string(s.OwnerID), string(s.Role), string(s.DriverID), s.CycleID, string(passengers), s.Geometry,
			s.StartedAt.UTC().Format(time.RFC3339Nano), s.EndedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) ListSnapshots(ctx context.Context, ownerID ident.ID) ([]models.TripHistorySnapshot, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, owner_id, role, driver_id, cycle_id, passengers, geometry, started_at, ended_at
		FROM trip_history
		WHERE owner_id = ?
		ORDER BY ended_at DESC
	`, string(ownerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.TripHistorySnapshot, 0)
	for rows.Next() {
		var (
			s                          models.TripHistorySnapshot
			owner, role, driver        string
			passengers, started, ended string
		)
		if err := rows.Scan(&s.ID, &owner, &role, &driver, &s.CycleID, &passengers, &s.Geometry, &started, &ended); err != nil {
			return nil, err
		}
		s.OwnerID, s.Role, s.DriverID = ident.ID(owner), models.Role(role), ident.ID(driver)
		if err := json.Unmarshal([]byte(passengers), &s.Passengers); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", s.ID, err)
		}
		if s.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, err
		}
		if s.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (h *SQLiteHistory) Close() error { return h.db.Close() }
