package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/tablemate/internal/types"
)

// timeLayout is fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS restaurants (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	address          TEXT NOT NULL DEFAULT '',
	cuisine          TEXT NOT NULL DEFAULT '',
	location         TEXT NOT NULL DEFAULT '',
	price_level      INTEGER NOT NULL DEFAULT 0,
	rating           REAL NOT NULL DEFAULT 0,
	phone            TEXT NOT NULL DEFAULT '',
	website          TEXT NOT NULL DEFAULT '',
	description_html TEXT NOT NULL DEFAULT '',
	hours            TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS slots (
	id            TEXT PRIMARY KEY,
	restaurant_id TEXT NOT NULL REFERENCES restaurants(id),
	starts_at     TEXT NOT NULL,
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
	starts_at       TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	party_size      INTEGER NOT NULL,
	status          TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	cancelled_at    TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS reservations_active_slot ON reservations(slot_id) WHERE status = 'confirmed';
`

// SQLiteStore implements Store on SQLite. The booking transition is a
// conditional UPDATE inside a transaction, backed by a partial unique index
// on confirmed reservations per slot.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open reservation db: %w", err)
	}
	// One connection: SQLite allows a single writer, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate reservation db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutRestaurant(ctx context.Context, r *Restaurant) error {
	hours, err := json.Marshal(r.Hours)
	if err != nil {
		return fmt.Errorf("marshal hours: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO restaurants (id, name, address, cuisine, location, price_level, rating, phone, website, description_html, hours)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, address = excluded.address, cuisine = excluded.cuisine,
			location = excluded.location, price_level = excluded.price_level, rating = excluded.rating,
			phone = excluded.phone, website = excluded.website,
			description_html = excluded.description_html, hours = excluded.hours`,
		r.ID, r.Name, r.Address, r.Cuisine, r.Location, r.PriceLevel, r.Rating, r.Phone, r.Website, r.DescriptionHTML, string(hours),
	)
	if err != nil {
		return fmt.Errorf("put restaurant %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) PutSlot(ctx context.Context, sl *Slot) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM restaurants WHERE id = ?", sl.RestaurantID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("restaurant %s: %w", sl.RestaurantID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check restaurant: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO slots (id, restaurant_id, starts_at, capacity, status) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			restaurant_id = excluded.restaurant_id, starts_at = excluded.starts_at,
			capacity = excluded.capacity,
			status = CASE WHEN slots.status = 'booked' THEN slots.status ELSE excluded.status END`,
		sl.ID, sl.RestaurantID, sl.StartsAt.UTC().Format(timeLayout), sl.Capacity, string(sl.Status),
	)
	if err != nil {
		return fmt.Errorf("put slot %s: %w", sl.ID, err)
	}
	return nil
}

const restaurantColumns = "id, name, address, cuisine, location, price_level, rating, phone, website, description_html, hours"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRestaurant(row rowScanner) (*Restaurant, error) {
	var r Restaurant
	var hours string
	if err := row.Scan(&r.ID, &r.Name, &r.Address, &r.Cuisine, &r.Location, &r.PriceLevel, &r.Rating,
		&r.Phone, &r.Website, &r.DescriptionHTML, &hours); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(hours), &r.Hours); err != nil {
		return nil, fmt.Errorf("unmarshal hours: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) Restaurant(ctx context.Context, id string) (*Restaurant, error) {
	r, err := scanRestaurant(s.db.QueryRowContext(ctx, "SELECT "+restaurantColumns+" FROM restaurants WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("restaurant %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get restaurant: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) Restaurants(ctx context.Context) ([]*Restaurant, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+restaurantColumns+" FROM restaurants ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list restaurants: %w", err)
	}
	defer rows.Close()

	var out []*Restaurant
	for rows.Next() {
		r, err := scanRestaurant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan restaurant: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSlot(row rowScanner) (*Slot, error) {
	var sl Slot
	var startsAt, status string
	if err := row.Scan(&sl.ID, &sl.RestaurantID, &startsAt, &sl.Capacity, &status); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, startsAt)
	if err != nil {
		return nil, fmt.Errorf("parse starts_at: %w", err)
	}
	sl.StartsAt = t
	sl.Status = SlotStatus(status)
	return &sl, nil
}

func (s *SQLiteStore) Slot(ctx context.Context, id string) (*Slot, error) {
	sl, err := scanSlot(s.db.QueryRowContext(ctx,
		"SELECT id, restaurant_id, starts_at, capacity, status FROM slots WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("slot %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return sl, nil
}

func (s *SQLiteStore) Slots(ctx context.Context, restaurantID string, from, to time.Time) ([]*Slot, error) {
	query := "SELECT id, restaurant_id, starts_at, capacity, status FROM slots WHERE restaurant_id = ?"
	args := []any{restaurantID}
	if !from.IsZero() {
		query += " AND starts_at >= ?"
		args = append(args, from.UTC().Format(timeLayout))
	}
	if !to.IsZero() {
		query += " AND starts_at < ?"
		args = append(args, to.UTC().Format(timeLayout))
	}
	query += " ORDER BY starts_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []*Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Book(ctx context.Context, res *Reservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "UPDATE slots SET status = 'booked' WHERE id = ? AND status = 'free'", res.SlotID)
	if err != nil {
		return fmt.Errorf("claim slot: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim slot: %w", err)
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, "SELECT status FROM slots WHERE id = ?", res.SlotID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("slot %s: %w", res.SlotID, types.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("check slot: %w", err)
		}
		return fmt.Errorf("slot %s is %s: %w", res.SlotID, status, types.ErrSlotUnavailable)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (id, code, slot_id, restaurant_id, restaurant_name, starts_at, user_id, party_size, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.Code, res.SlotID, res.RestaurantID, res.RestaurantName, res.StartsAt.UTC().Format(timeLayout),
		res.UserID, res.PartySize, string(res.Status), res.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "reservations.code"):
			return errDuplicateCode
		case strings.Contains(msg, "UNIQUE constraint failed"):
			return fmt.Errorf("slot %s: %w", res.SlotID, types.ErrSlotUnavailable)
		}
		return fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const reservationColumns = "id, code, slot_id, restaurant_id, restaurant_name, starts_at, user_id, party_size, status, created_at, cancelled_at"

func scanReservation(row rowScanner) (*Reservation, error) {
	var r Reservation
	var startsAt, status, createdAt string
	var cancelledAt sql.NullString
	if err := row.Scan(&r.ID, &r.Code, &r.SlotID, &r.RestaurantID, &r.RestaurantName, &startsAt,
		&r.UserID, &r.PartySize, &status, &createdAt, &cancelledAt); err != nil {
		return nil, err
	}
	var err error
	if r.StartsAt, err = time.Parse(timeLayout, startsAt); err != nil {
		return nil, fmt.Errorf("parse starts_at: %w", err)
	}
	if r.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if cancelledAt.Valid {
		t, err := time.Parse(timeLayout, cancelledAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse cancelled_at: %w", err)
		}
		r.CancelledAt = &t
	}
	r.Status = ReservationStatus(status)
	return &r, nil
}

func (s *SQLiteStore) CancelReservation(ctx context.Context, code string, at time.Time) (*Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	r, err := scanReservation(tx.QueryRowContext(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE code = ?", code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", code, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE reservations SET status = 'cancelled', cancelled_at = ? WHERE code = ? AND status = 'confirmed'",
		at.UTC().Format(timeLayout), code)
	if err != nil {
		return nil, fmt.Errorf("cancel reservation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("reservation %s: %w", code, types.ErrAlreadyCancelled)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE slots SET status = 'free' WHERE id = ?", r.SlotID); err != nil {
		return nil, fmt.Errorf("free slot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	at = at.UTC().Truncate(time.Second)
	r.Status = ReservationCancelled
	r.CancelledAt = &at
	return r, nil
}

func (s *SQLiteStore) Reservation(ctx context.Context, code string) (*Reservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE code = ?", code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", code, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

var _ Store = (*SQLiteStore)(nil)
