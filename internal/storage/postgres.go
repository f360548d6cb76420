package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS assignments (
	passenger_id   TEXT PRIMARY KEY,
	passenger_name TEXT NOT NULL DEFAULT '',
	guardian_id    TEXT NOT NULL,
	driver_id      TEXT NOT NULL,
	vehicle_plate  TEXT NOT NULL DEFAULT '',
	address        TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL,
	cycle_id       TEXT NOT NULL DEFAULT '',
	pickup_at      TIMESTAMPTZ,
	delivered_at   TIMESTAMPTZ,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assignments_driver ON assignments(driver_id);

CREATE TABLE IF NOT EXISTS route_plans (
	driver_id        TEXT PRIMARY KEY,
	cycle_id         TEXT NOT NULL,
	origin_lat       DOUBLE PRECISION NOT NULL,
	origin_lon       DOUBLE PRECISION NOT NULL,
	stops            JSONB NOT NULL,
	geometry         TEXT NOT NULL,
	distance_meters  DOUBLE PRECISION NOT NULL,
	duration_seconds DOUBLE PRECISION NOT NULL,
	generated_at     TIMESTAMPTZ NOT NULL,
	refreshed_at     TIMESTAMPTZ,
	active           BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	recipient_id  TEXT NOT NULL,
	recipient_raw TEXT NOT NULL DEFAULT '',
	vehicle_plate TEXT NOT NULL DEFAULT '',
	payload       JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	read          BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_alerts_recipient ON alerts(recipient_id);
CREATE INDEX IF NOT EXISTS idx_alerts_recipient_raw ON alerts(recipient_raw);
CREATE INDEX IF NOT EXISTS idx_alerts_plate ON alerts(vehicle_plate);

CREATE TABLE IF NOT EXISTS trip_history (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	role       TEXT NOT NULL,
	driver_id  TEXT NOT NULL,
	cycle_id   TEXT NOT NULL,
	passengers JSONB NOT NULL,
	geometry   TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trip_history_owner ON trip_history(owner_id);
`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string, migrate bool) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	p := &PostgresStore{db: db}
	if migrate {
		if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return p, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Ping lets readiness probes check the connection.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const assignmentColumns = `passenger_id, passenger_name, guardian_id, driver_id, vehicle_plate, address, state, cycle_id, pickup_at, delivered_at, updated_at`

func (p *PostgresStore) UpsertAssignment(ctx context.Context, a models.Assignment) error {
	if a.State == "" {
		a.State = models.StateUnassigned
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (passenger_id) DO UPDATE SET
			passenger_name=EXCLUDED.passenger_name, guardian_id=EXCLUDED.guardian_id,
			driver_id=EXCLUDED.driver_id, vehicle_plate=EXCLUDED.vehicle_plate,
			address=EXCLUDED.address, updated_at=EXCLUDED.updated_at`,
		a.PassengerID, a.PassengerName, a.GuardianID, a.DriverID, a.VehiclePlate, a.Address,
		a.State, a.CycleID, a.PickupAt, a.DeliveredAt, time.Now())
	return err
}

func (p *PostgresStore) GetAssignment(ctx context.Context, passengerID ident.ID) (models.Assignment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE passenger_id=$1`, passengerID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Assignment{}, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) ListAssignments(ctx context.Context, driverID ident.ID) ([]models.Assignment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE driver_id=$1 ORDER BY passenger_id`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransitionAssignment(ctx context.Context, t Transition) ([]models.Alert, error) {
	var created []models.Alert
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := applyTransition(ctx, tx, t)
		if err != nil {
			return err
		}
		if !ok {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM assignments WHERE passenger_id=$1)`, t.Next.PassengerID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		created, err = insertAlerts(ctx, tx, t.Alerts)
		return err
	})
	return created, err
}

func (p *PostgresStore) ResetDriver(ctx context.Context, driverID ident.ID) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE assignments SET state=$1, cycle_id='', pickup_at=NULL, delivered_at=NULL, updated_at=$2 WHERE driver_id=$3`,
		models.StateUnassigned, time.Now(), driverID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) GetPlan(ctx context.Context, driverID ident.ID) (models.RoutePlan, error) {
	var (
		plan      models.RoutePlan
		stops     []byte
		refreshed sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT driver_id, cycle_id, origin_lat, origin_lon, stops, geometry, distance_meters, duration_seconds, generated_at, refreshed_at, active
		FROM route_plans WHERE driver_id=$1`, driverID).
		Scan(&plan.DriverID, &plan.CycleID, &plan.Origin.Lat, &plan.Origin.Lon, &stops, &plan.Geometry,
			&plan.DistanceMeters, &plan.DurationSeconds, &plan.GeneratedAt, &refreshed, &plan.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RoutePlan{}, ErrNotFound
	}
	if err != nil {
		return models.RoutePlan{}, err
	}
	if refreshed.Valid {
		plan.RefreshedAt = refreshed.Time
	}
	if err := json.Unmarshal(stops, &plan.Stops); err != nil {
		return models.RoutePlan{}, fmt.Errorf("decode stops: %w", err)
	}
	return plan, nil
}

func (p *PostgresStore) CommitRoute(ctx context.Context, plan models.RoutePlan, ts []Transition) ([]models.Alert, error) {
	stops, err := json.Marshal(plan.Stops)
	if err != nil {
		return nil, err
	}
	var created []models.Alert
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO route_plans(driver_id, cycle_id, origin_lat, origin_lon, stops, geometry, distance_meters, duration_seconds, generated_at, refreshed_at, active)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,NULL,$10)
			ON CONFLICT (driver_id) DO UPDATE SET
				cycle_id=EXCLUDED.cycle_id, origin_lat=EXCLUDED.origin_lat, origin_lon=EXCLUDED.origin_lon,
				stops=EXCLUDED.stops, geometry=EXCLUDED.geometry, distance_meters=EXCLUDED.distance_meters,
				duration_seconds=EXCLUDED.duration_seconds, generated_at=EXCLUDED.generated_at,
				refreshed_at=NULL, active=EXCLUDED.active`,
			plan.DriverID, plan.CycleID, plan.Origin.Lat, plan.Origin.Lon, stops, plan.Geometry,
			plan.DistanceMeters, plan.DurationSeconds, plan.GeneratedAt, plan.Active)
		if err != nil {
			return fmt.Errorf("upsert plan: %w", err)
		}
		for _, t := range ts {
			ok, err := applyTransition(ctx, tx, t)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			c, err := insertAlerts(ctx, tx, t.Alerts)
			if err != nil {
				return err
			}
			created = append(created, c...)
		}
		return nil
	})
	return created, err
}

func (p *PostgresStore) UpdatePlanGeometry(ctx context.Context, driverID ident.ID, cycleID string, g PlanGeometry) error {
	res, err := p.db.ExecContext(ctx, `UPDATE route_plans SET geometry=$1, distance_meters=$2, duration_seconds=$3, refreshed_at=$4
		WHERE driver_id=$5 AND cycle_id=$6 AND active`, g.Geometry, g.DistanceMeters, g.DurationSeconds, time.Now(), driverID, cycleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) DeactivatePlan(ctx context.Context, driverID ident.ID, cycleID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE route_plans SET active=FALSE WHERE driver_id=$1 AND cycle_id=$2`, driverID, cycleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) CreateAlerts(ctx context.Context, alerts []models.Alert) ([]models.Alert, error) {
	var created []models.Alert
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = insertAlerts(ctx, tx, alerts)
		return err
	})
	return created, err
}

func (p *PostgresStore) ListAlerts(ctx context.Context, q models.AlertQuery) ([]models.Alert, error) {
	if q.Recipient == "" && q.VehiclePlate == "" {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, type, recipient_id, recipient_raw, payload, created_at, read FROM alerts
		WHERE ($1 = '' OR recipient_id = $1 OR recipient_raw = $1) AND ($2 = '' OR vehicle_plate = $2)
		ORDER BY created_at, id`, q.Recipient, q.VehiclePlate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Alert, 0)
	for rows.Next() {
		var (
			a       models.Alert
			payload []byte
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.RecipientID, &a.RecipientRaw, &payload, &a.CreatedAt, &a.Read); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return nil, fmt.Errorf("decode alert %s: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, alertID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE alerts SET read=TRUE WHERE id=$1`, alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SaveSnapshots(ctx context.Context, snaps []models.TripHistorySnapshot) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO trip_history(id, owner_id, role, driver_id, cycle_id, passengers, geometry, started_at, ended_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, s := range snaps {
			passengers, err := json.Marshal(s.Passengers)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, s.ID, s.OwnerID, s.Role, s.DriverID, s.CycleID, passengers, s.Geometry, s.StartedAt, s.EndedAt); err != nil {
				return fmt.Errorf("insert snapshot %s: %w", s.ID, err)
			}
		}
		return nil
	})
}

func (p *PostgresStore) ListSnapshots(ctx context.Context, ownerID ident.ID) ([]models.TripHistorySnapshot, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, owner_id, role, driver_id, cycle_id, passengers, geometry, started_at, ended_at
		FROM trip_history WHERE owner_id=$1 ORDER BY ended_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func applyTransition(ctx context.Context, tx *sql.Tx, t Transition) (bool, error) {
	a := t.Next
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET state=$1, cycle_id=$2, pickup_at=$3, delivered_at=$4, updated_at=$5
		WHERE passenger_id=$6 AND state=$7`, a.State, a.CycleID, a.PickupAt, a.DeliveredAt, time.Now(), a.PassengerID, t.From)
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", a.PassengerID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func insertAlerts(ctx context.Context, tx *sql.Tx, alerts []models.Alert) ([]models.Alert, error) {
	var created []models.Alert
	for _, a := range alerts {
		payload, err := json.Marshal(a.Payload)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO alerts(id, type, recipient_id, recipient_raw, vehicle_plate, payload, created_at, read)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (id) DO NOTHING`,
			a.ID, a.Type, a.RecipientID, a.RecipientRaw, a.Payload.VehiclePlate, payload, a.CreatedAt, a.Read)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) {
				return nil, fmt.Errorf("insert alert %s: %s: %w", a.ID, pqErr.Code.Name(), err)
			}
			return nil, fmt.Errorf("insert alert %s: %w", a.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created = append(created, a)
		}
	}
	return created, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(r rowScanner) (models.Assignment, error) {
	var (
		a                 models.Assignment
		pickup, delivered sql.NullTime
	)
	if err := r.Scan(&a.PassengerID, &a.PassengerName, &a.GuardianID, &a.DriverID, &a.VehiclePlate, &a.Address,
		&a.State, &a.CycleID, &pickup, &delivered, &a.UpdatedAt); err != nil {
		return models.Assignment{}, err
	}
	if pickup.Valid {
		t := pickup.Time
		a.PickupAt = &t
	}
	if delivered.Valid {
		t := delivered.Time
		a.DeliveredAt = &t
	}
	return a, nil
}

func scanSnapshots(rows *sql.Rows) ([]models.TripHistorySnapshot, error) {
	out := make([]models.TripHistorySnapshot, 0)
	for rows.Next() {
		var (
			s          models.TripHistorySnapshot
			passengers []byte
		)
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Role, &s.DriverID, &s.CycleID, &passengers, &s.Geometry, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(passengers, &s.Passengers); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
