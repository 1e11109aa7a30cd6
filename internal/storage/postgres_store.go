package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS rides (
	id              TEXT PRIMARY KEY,
	rider_id        TEXT NOT NULL,
	driver_id       TEXT,
	pickup_lat      DOUBLE PRECISION NOT NULL,
	pickup_lng      DOUBLE PRECISION NOT NULL,
	pickup_address  TEXT NOT NULL DEFAULT '',
	dropoff_lat     DOUBLE PRECISION NOT NULL,
	dropoff_lng     DOUBLE PRECISION NOT NULL,
	dropoff_address TEXT NOT NULL DEFAULT '',
	vehicle_class   TEXT NOT NULL,
	status          TEXT NOT NULL,
	fare_estimate   DOUBLE PRECISION,
	fare            DOUBLE PRECISION,
	distance_km     DOUBLE PRECISION NOT NULL DEFAULT 0,
	duration_min    INTEGER NOT NULL DEFAULT 0,
	otp             TEXT NOT NULL DEFAULT '',
	cancel_reason   TEXT NOT NULL DEFAULT '',
	cancelled_by    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	assigned_at     TIMESTAMPTZ,
	arrived_at      TIMESTAMPTZ,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	cancelled_at    TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rides_rider_status_idx ON rides (rider_id, status);
CREATE INDEX IF NOT EXISTS rides_driver_status_idx ON rides (driver_id, status);
CREATE TABLE IF NOT EXISTS ride_transitions (
	id          BIGSERIAL PRIMARY KEY,
	ride_id     TEXT NOT NULL REFERENCES rides(id),
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	actor_role  TEXT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ride_transitions_ride_idx ON ride_transitions (ride_id, id);
`

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	vehicle_class, status, fare_estimate, fare, distance_km, duration_min, otp, cancel_reason, cancelled_by,
	created_at, assigned_at, arrived_at, started_at, completed_at, cancelled_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride, initial models.Transition) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
			r.ID, r.RiderID, r.DriverID, r.Pickup.Lat, r.Pickup.Lng, r.PickupAddress, r.Dropoff.Lat, r.Dropoff.Lng, r.DropoffAddress,
			string(r.VehicleClass), string(r.Status), r.FareEstimate, r.Fare, r.DistanceKm, r.DurationMin, r.OTP, r.CancelReason, r.CancelledBy,
			r.CreatedAt, r.AssignedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.UpdatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrConflict
			}
			return err
		}
		return insertTransition(ctx, tx, initial)
	})
}

// ApplyTransition updates the ride only if its stored status still equals from.
func (p *PostgresStore) ApplyTransition(ctx context.Context, r *models.Ride, from models.RideStatus, t models.Transition) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE rides SET driver_id=$1, status=$2, fare=$3, otp=$4, cancel_reason=$5, cancelled_by=$6,
			assigned_at=$7, arrived_at=$8, started_at=$9, completed_at=$10, cancelled_at=$11, updated_at=$12
			WHERE id=$13 AND status=$14`,
			r.DriverID, string(r.Status), r.Fare, r.OTP, r.CancelReason, r.CancelledBy,
			r.AssignedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.UpdatedAt,
			r.ID, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, r.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		return insertTransition(ctx, tx, t)
	})
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return r, nil
}

func (p *PostgresStore) ListRides(ctx context.Context, f RideFilter) ([]*models.Ride, error) {
	var (
		where []string
		args  []any
	)
	if f.RiderID != "" {
		args = append(args, f.RiderID)
		where = append(where, fmt.Sprintf("rider_id=$%d", len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		where = append(where, fmt.Sprintf("driver_id=$%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		st := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			st[i] = string(s)
		}
		args = append(args, pq.Array(st))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (p *PostgresStore) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	return p.firstActive(ctx, RideFilter{RiderID: riderID, Statuses: models.ActiveStatuses, Limit: 1})
}

func (p *PostgresStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return p.firstActive(ctx, RideFilter{DriverID: driverID, Statuses: models.ActiveStatuses, Limit: 1})
}

func (p *PostgresStore) firstActive(ctx context.Context, f RideFilter) (*models.Ride, error) {
	rs, err := p.ListRides(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, ErrNotFound
	}
	return rs[0], nil
}

func (p *PostgresStore) Transitions(ctx context.Context, rideID string) ([]models.Transition, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, from_status, to_status, actor_role, actor_id, reason, at
		FROM ride_transitions WHERE ride_id=$1 ORDER BY id`, rideID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	out := make([]models.Transition, 0)
	for rows.Next() {
		var t models.Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.RideID, &from, &to, &t.ActorRole, &t.ActorID, &t.Reason, &t.At); err != nil {
			return nil, unavailable(err)
		}
		t.From, t.To = models.RideStatus(from), models.RideStatus(to)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	if len(out) == 0 {
		if _, err := p.GetRide(ctx, rideID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return err
		}
		return unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, t models.Transition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ride_transitions(ride_id, from_status, to_status, actor_role, actor_id, reason, at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`, t.RideID, string(t.From), string(t.To), t.ActorRole, t.ActorID, t.Reason, t.At)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                                models.Ride
		driverID                                         sql.NullString
		class, status                                    string
		fareEstimate, fare                               sql.NullFloat64
		assigned, arrived, started, completed, cancelled sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &driverID, &r.Pickup.Lat, &r.Pickup.Lng, &r.PickupAddress, &r.Dropoff.Lat, &r.Dropoff.Lng, &r.DropoffAddress,
		&class, &status, &fareEstimate, &fare, &r.DistanceKm, &r.DurationMin, &r.OTP, &r.CancelReason, &r.CancelledBy,
		&r.CreatedAt, &assigned, &arrived, &started, &completed, &cancelled, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.VehicleClass = models.VehicleClass(class)
	r.Status = models.RideStatus(status)
	if driverID.Valid {
		r.DriverID = models.StringPtr(driverID.String)
	}
	if fareEstimate.Valid {
		r.FareEstimate = models.FloatPtr(fareEstimate.Float64)
	}
	if fare.Valid {
		r.Fare = models.FloatPtr(fare.Float64)
	}
	r.AssignedAt = nullTime(assigned)
	r.ArrivedAt = nullTime(arrived)
	r.StartedAt = nullTime(started)
	r.CompletedAt = nullTime(completed)
	r.CancelledAt = nullTime(cancelled)
	return &r, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return models.TimePtr(t.Time)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
