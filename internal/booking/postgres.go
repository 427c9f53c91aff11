package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/tablemate/internal/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS restaurants (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	address          TEXT NOT NULL DEFAULT '',
	cuisine          TEXT NOT NULL DEFAULT '',
	location         TEXT NOT NULL DEFAULT '',
	price_level      INTEGER NOT NULL DEFAULT 0,
	rating           DOUBLE PRECISION NOT NULL DEFAULT 0,
	phone            TEXT NOT NULL DEFAULT '',
	website          TEXT NOT NULL DEFAULT '',
	description_html TEXT NOT NULL DEFAULT '',
	hours            TEXT[] NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS slots (
	id            TEXT PRIMARY KEY,
	restaurant_id TEXT NOT NULL REFERENCES restaurants(id),
	starts_at     TIMESTAMPTZ NOT NULL,
	capacity      INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'free'
);
CREATE INDEX IF NOT EXISTS slots_restaurant_time ON slots(restaurant_id, starts_at);
CREATE TABLE IF NOT EXISTS reservations (
	id              TEXT PRIMARY KEY,
	code            TEXT NOT NULL UNIQUE,
	slot_id         TEXT NOT NULL REFERENCES slots(id),
	restaurant_id   TEXT NOT NULL,
	restaurant_name TEXT NOT NULL DEFAULT '',
	starts_at       TIMESTAMPTZ NOT NULL,
	user_id         TEXT NOT NULL,
	party_size      INTEGER NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	cancelled_at    TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS reservations_active_slot ON reservations(slot_id) WHERE status = 'confirmed';
`

// PostgresStore implements Store on PostgreSQL via a pgx pool. Concurrent
// bookings of one slot serialize on the row lock taken by the conditional
// UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate reservation db: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) PutRestaurant(ctx context.Context, r *Restaurant) error {
	hours := r.Hours
	if hours == nil {
		hours = []string{}
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO restaurants (id, name, address, cuisine, location, price_level, rating, phone, website, description_html, hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, address = EXCLUDED.address, cuisine = EXCLUDED.cuisine,
			location = EXCLUDED.location, price_level = EXCLUDED.price_level, rating = EXCLUDED.rating,
			phone = EXCLUDED.phone, website = EXCLUDED.website,
			description_html = EXCLUDED.description_html, hours = EXCLUDED.hours`,
		r.ID, r.Name, r.Address, r.Cuisine, r.Location, r.PriceLevel, r.Rating, r.Phone, r.Website, r.DescriptionHTML, hours,
	)
	if err != nil {
		return fmt.Errorf("put restaurant %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) PutSlot(ctx context.Context, sl *Slot) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO slots (id, restaurant_id, starts_at, capacity, status) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			restaurant_id = EXCLUDED.restaurant_id, starts_at = EXCLUDED.starts_at,
			capacity = EXCLUDED.capacity,
			status = CASE WHEN slots.status = 'booked' THEN slots.status ELSE EXCLUDED.status END`,
		sl.ID, sl.RestaurantID, sl.StartsAt.UTC(), sl.Capacity, string(sl.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("restaurant %s: %w", sl.RestaurantID, types.ErrNotFound)
		}
		return fmt.Errorf("put slot %s: %w", sl.ID, err)
	}
	return nil
}

func scanPgRestaurant(row pgx.Row) (*Restaurant, error) {
	var r Restaurant
	if err := row.Scan(&r.ID, &r.Name, &r.Address, &r.Cuisine, &r.Location, &r.PriceLevel, &r.Rating,
		&r.Phone, &r.Website, &r.DescriptionHTML, &r.Hours); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) Restaurant(ctx context.Context, id string) (*Restaurant, error) {
	r, err := scanPgRestaurant(p.pool.QueryRow(ctx, "SELECT "+restaurantColumns+" FROM restaurants WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("restaurant %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get restaurant: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) Restaurants(ctx context.Context) ([]*Restaurant, error) {
	rows, err := p.pool.Query(ctx, "SELECT "+restaurantColumns+" FROM restaurants ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list restaurants: %w", err)
	}
	defer rows.Close()

	var out []*Restaurant
	for rows.Next() {
		r, err := scanPgRestaurant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan restaurant: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPgSlot(row pgx.Row) (*Slot, error) {
	var sl Slot
	var status string
	if err := row.Scan(&sl.ID, &sl.RestaurantID, &sl.StartsAt, &sl.Capacity, &status); err != nil {
		return nil, err
	}
	sl.StartsAt = sl.StartsAt.UTC()
	sl.Status = SlotStatus(status)
	return &sl, nil
}

func (p *PostgresStore) Slot(ctx context.Context, id string) (*Slot, error) {
	sl, err := scanPgSlot(p.pool.QueryRow(ctx,
		"SELECT id, restaurant_id, starts_at, capacity, status FROM slots WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("slot %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return sl, nil
}

func (p *PostgresStore) Slots(ctx context.Context, restaurantID string, from, to time.Time) ([]*Slot, error) {
	query := "SELECT id, restaurant_id, starts_at, capacity, status FROM slots WHERE restaurant_id = $1"
	args := []any{restaurantID}
	if !from.IsZero() {
		args = append(args, from.UTC())
		query += fmt.Sprintf(" AND starts_at >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		query += fmt.Sprintf(" AND starts_at < $%d", len(args))
	}
	query += " ORDER BY starts_at"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []*Slot
	for rows.Next() {
		sl, err := scanPgSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Book(ctx context.Context, res *Reservation) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "UPDATE slots SET status = 'booked' WHERE id = $1 AND status = 'free'", res.SlotID)
	if err != nil {
		return fmt.Errorf("claim slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := tx.QueryRow(ctx, "SELECT status FROM slots WHERE id = $1", res.SlotID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("slot %s: %w", res.SlotID, types.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("check slot: %w", err)
		}
		return fmt.Errorf("slot %s is %s: %w", res.SlotID, status, types.ErrSlotUnavailable)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (id, code, slot_id, restaurant_id, restaurant_name, starts_at, user_id, party_size, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		res.ID, res.Code, res.SlotID, res.RestaurantID, res.RestaurantName, res.StartsAt.UTC(),
		res.UserID, res.PartySize, string(res.Status), res.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "reservations_code_key" {
				return errDuplicateCode
			}
			return fmt.Errorf("slot %s: %w", res.SlotID, types.ErrSlotUnavailable)
		}
		return fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func scanPgReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation
	var status string
	if err := row.Scan(&r.ID, &r.Code, &r.SlotID, &r.RestaurantID, &r.RestaurantName, &r.StartsAt,
		&r.UserID, &r.PartySize, &status, &r.CreatedAt, &r.CancelledAt); err != nil {
		return nil, err
	}
	r.Status = ReservationStatus(status)
	return &r, nil
}

func (p *PostgresStore) CancelReservation(ctx context.Context, code string, at time.Time) (*Reservation, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := scanPgReservation(tx.QueryRow(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE code = $1 FOR UPDATE", code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", code, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if r.Status == ReservationCancelled {
		return nil, fmt.Errorf("reservation %s: %w", code, types.ErrAlreadyCancelled)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE reservations SET status = 'cancelled', cancelled_at = $1 WHERE code = $2", at.UTC(), code); err != nil {
		return nil, fmt.Errorf("cancel reservation: %w", err)
	}
	if _, err := tx.Exec(ctx, "UPDATE slots SET status = 'free' WHERE id = $1", r.SlotID); err != nil {
		return nil, fmt.Errorf("free slot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	at = at.UTC()
	r.Status = ReservationCancelled
	r.CancelledAt = &at
	return r, nil
}

func (p *PostgresStore) Reservation(ctx context.Context, code string) (*Reservation, error) {
	r, err := scanPgReservation(p.pool.QueryRow(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE code = $1", code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", code, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
