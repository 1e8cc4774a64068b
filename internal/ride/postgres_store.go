package ride

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements Store on a rides table. The at-most-one-driver
// guarantee comes from the WHERE clause of the claim UPDATE: the row is
// only touched while it is still pending and unassigned.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(
			id, passenger_id, driver_id, status,
			pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			estimated_price, requested_at
		) VALUES($1,$2,NULL,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.PassengerID, r.Status,
		r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.EstimatedPrice, r.RequestedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, passenger_id, driver_id, status,
		       pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		       estimated_price, final_price, actual_distance_m, actual_duration_s,
		       cancel_reason, needs_reconciliation,
		       requested_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at
		FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) Claim(ctx context.Context, id, driverID string, at time.Time) (*models.Ride, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET driver_id=$2, status=$3, accepted_at=$4
		WHERE id=$1 AND status=$5 AND driver_id IS NULL`,
		id, driverID, models.RideAccepted, at, models.RidePending)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	r, gerr := p.Get(ctx, id)
	if gerr != nil {
		return nil, false, gerr
	}
	return r, n == 1, nil
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to models.RideStatus, upd Update) (*models.Ride, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET status=$3,
			arrived_at          = COALESCE($4, arrived_at),
			started_at          = COALESCE($5, started_at),
			completed_at        = COALESCE($6, completed_at),
			cancelled_at        = COALESCE($7, cancelled_at),
			final_price         = COALESCE($8, final_price),
			actual_distance_m   = COALESCE($9, actual_distance_m),
			actual_duration_s   = COALESCE($10, actual_duration_s),
			cancel_reason       = COALESCE($11, cancel_reason),
			needs_reconciliation = COALESCE($12, needs_reconciliation)
		WHERE id=$1 AND status=$2`,
		id, from, to,
		upd.ArrivedAt, upd.StartedAt, upd.CompletedAt, upd.CancelledAt,
		upd.FinalPrice, upd.ActualDistM, upd.ActualDurS,
		upd.CancelReason, upd.NeedsReconciliation)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	r, gerr := p.Get(ctx, id)
	if gerr != nil {
		return nil, false, gerr
	}
	return r, n == 1, nil
}

// SaveSample appends one accepted location sample to the history table.
func (p *PostgresStore) SaveSample(ctx context.Context, s models.LocationSample) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO location_samples(
			driver_id, lat, lon, accuracy_m, speed_mps, heading_deg,
			client_ts, received_ts, ride_id
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''))`,
		s.DriverID, s.Lat, s.Lon, s.AccuracyM, s.SpeedMps, s.HeadingDeg,
		s.ClientTS, s.ReceivedTS, s.RideID)
	return err
}

func scanRide(row *sql.Row) (*models.Ride, error) {
	var r models.Ride
	var driverID, cancelReason sql.NullString
	var finalPrice, actualDist sql.NullFloat64
	var actualDur sql.NullInt64
	var acceptedAt, arrivedAt, startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.PassengerID, &driverID, &r.Status,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.EstimatedPrice, &finalPrice, &actualDist, &actualDur,
		&cancelReason, &r.NeedsReconciliation,
		&r.RequestedAt, &acceptedAt, &arrivedAt, &startedAt, &completedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CancelReason = cancelReason.String
	r.FinalPrice = finalPrice.Float64
	r.ActualDistM = actualDist.Float64
	r.ActualDurS = actualDur.Int64
	r.AcceptedAt = timePtr(acceptedAt)
	r.ArrivedAt = timePtr(arrivedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
