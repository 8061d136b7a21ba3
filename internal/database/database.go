package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"blackout-monitor/internal/models"
)

type DB struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the schema if it doesn't exist.
func (db *DB) Migrate(ctx context.Context) error {
	sql := `
	CREATE TABLE IF NOT EXISTS addresses (
		address_key      TEXT PRIMARY KEY,
		display_name     TEXT NOT NULL,
		city             TEXT NOT NULL DEFAULT '',
		street           TEXT NOT NULL DEFAULT '',
		house            TEXT NOT NULL DEFAULT '',
		group_name       TEXT,
		group_checked_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_addresses_group ON addresses(group_name);

	CREATE TABLE IF NOT EXISTS groups (
		group_name TEXT PRIMARY KEY,
		schedule   JSONB NOT NULL DEFAULT '[]',
		checked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS next_day_groups (
		group_name TEXT PRIMARY KEY,
		schedule   JSONB NOT NULL DEFAULT '[]',
		checked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS users (
		chat_id     BIGINT PRIMARY KEY,
		first_name  TEXT NOT NULL DEFAULT '',
		address_key TEXT REFERENCES addresses(address_key),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_users_address ON users(address_key);

	CREATE TABLE IF NOT EXISTS warned_users (
		id           BIGSERIAL PRIMARY KEY,
		chat_id      BIGINT NOT NULL,
		address_key  TEXT NOT NULL,
		outage_start TEXT NOT NULL,
		UNIQUE (chat_id, address_key, outage_start)
	);
	`
	_, err := db.Pool.Exec(ctx, sql)
	return err
}

// SyncAddresses upserts the configured address set. Location fields and the
// display name follow configuration; discovered group bindings are preserved.
func (db *DB) SyncAddresses(ctx context.Context, addresses []models.Address) error {
	for _, a := range addresses {
		_, err := db.Pool.Exec(ctx, `
			INSERT INTO addresses (address_key, display_name, city, street, house)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (address_key) DO UPDATE
			SET display_name = $2, city = $3, street = $4, house = $5
		`, a.Key, a.Name, a.City, a.Street, a.House)
		if err != nil {
			return fmt.Errorf("sync address %s: %w", a.Key, err)
		}
	}
	return nil
}

// AddressesDueForCheck returns addresses that need a probe: no known group,
// a binding older than bindingTTL, or a group schedule older than scheduleTTL.
func (db *DB) AddressesDueForCheck(ctx context.Context, scheduleTTL, bindingTTL time.Duration) ([]models.AddressStatus, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT a.address_key, a.display_name, a.city, a.street, a.house,
		       COALESCE(a.group_name, ''), COALESCE(a.group_checked_at, 'epoch'::timestamptz)
		FROM addresses a
		LEFT JOIN groups g ON a.group_name = g.group_name
		WHERE a.group_name IS NULL
		   OR a.group_checked_at IS NULL
		   OR a.group_checked_at < $1
		   OR g.checked_at IS NULL
		   OR g.checked_at < $2
		ORDER BY a.address_key
	`, time.Now().Add(-bindingTTL), time.Now().Add(-scheduleTTL))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAddressStatuses(rows)
}

// AllAddresses returns every monitored address with its binding state.
func (db *DB) AllAddresses(ctx context.Context) ([]models.AddressStatus, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT address_key, display_name, city, street, house,
		       COALESCE(group_name, ''), COALESCE(group_checked_at, 'epoch'::timestamptz)
		FROM addresses ORDER BY address_key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAddressStatuses(rows)
}

func scanAddressStatuses(rows pgx.Rows) ([]models.AddressStatus, error) {
	var statuses []models.AddressStatus
	for rows.Next() {
		var s models.AddressStatus
		if err := rows.Scan(
			&s.Address.Key, &s.Address.Name, &s.Address.City, &s.Address.Street, &s.Address.House,
			&s.GroupName, &s.GroupCheckedAt,
		); err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

// AddressStatus returns one address with its binding state.
func (db *DB) AddressStatus(ctx context.Context, key string) (*models.AddressStatus, error) {
	var s models.AddressStatus
	err := db.Pool.QueryRow(ctx, `
		SELECT address_key, display_name, city, street, house,
		       COALESCE(group_name, ''), COALESCE(group_checked_at, 'epoch'::timestamptz)
		FROM addresses WHERE address_key = $1
	`, key).Scan(
		&s.Address.Key, &s.Address.Name, &s.Address.City, &s.Address.Street, &s.Address.House,
		&s.GroupName, &s.GroupCheckedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetAddressGroup records the discovered group for an address and refreshes
// the binding timestamp.
func (db *DB) SetAddressGroup(ctx context.Context, key, group string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE addresses SET group_name = $2, group_checked_at = NOW() WHERE address_key = $1
	`, key, group)
	return err
}

// SaveGroupSchedule persists a group's schedule and refreshes its timestamp.
// The same write path serves both "changed" and "unchanged" outcomes.
func (db *DB) SaveGroupSchedule(ctx context.Context, group string, intervals []models.TimeInterval) error {
	return db.saveSchedule(ctx, "groups", group, intervals)
}

// SaveNextDaySchedule stages a next-day schedule for later promotion.
func (db *DB) SaveNextDaySchedule(ctx context.Context, group string, intervals []models.TimeInterval) error {
	return db.saveSchedule(ctx, "next_day_groups", group, intervals)
}

func (db *DB) saveSchedule(ctx context.Context, table, group string, intervals []models.TimeInterval) error {
	if intervals == nil {
		intervals = []models.TimeInterval{}
	}
	data, err := json.Marshal(intervals)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	_, err = db.Pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (group_name, schedule, checked_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (group_name) DO UPDATE SET schedule = $2, checked_at = NOW()
	`, table), group, data)
	return err
}

// GroupSchedule returns the cached schedule for a group, or nil if the group
// has never been probed.
func (db *DB) GroupSchedule(ctx context.Context, group string) (*models.GroupSchedule, error) {
	return db.loadSchedule(ctx, "groups", group)
}

// NextDaySchedule returns the staged next-day schedule for a group, if any.
func (db *DB) NextDaySchedule(ctx context.Context, group string) (*models.GroupSchedule, error) {
	return db.loadSchedule(ctx, "next_day_groups", group)
}

func (db *DB) loadSchedule(ctx context.Context, table, group string) (*models.GroupSchedule, error) {
	var data []byte
	gs := models.GroupSchedule{GroupName: group}
	err := db.Pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT schedule, checked_at FROM %s WHERE group_name = $1
	`, table), group).Scan(&data, &gs.CheckedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &gs.Intervals); err != nil {
		return nil, fmt.Errorf("unmarshal schedule for %s: %w", group, err)
	}
	return &gs, nil
}

// PromoteNextDaySchedules atomically replaces live group schedules with the
// staged next-day ones and clears the staging table. Returns how many groups
// were promoted.
func (db *DB) PromoteNextDaySchedules(ctx context.Context) (int, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO groups (group_name, schedule, checked_at)
		SELECT group_name, schedule, NOW() FROM next_day_groups
		ON CONFLICT (group_name) DO UPDATE
		SET schedule = EXCLUDED.schedule, checked_at = NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("promote next-day schedules: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM next_day_groups`); err != nil {
		return 0, fmt.Errorf("clear next-day schedules: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// UpsertUser creates or refreshes a user record on first contact.
func (db *DB) UpsertUser(ctx context.Context, chatID int64, firstName string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO users (chat_id, first_name)
		VALUES ($1, $2)
		ON CONFLICT (chat_id) DO UPDATE SET first_name = $2
	`, chatID, firstName)
	return err
}

// SetUserAddress changes a user's single subscription.
func (db *DB) SetUserAddress(ctx context.Context, chatID int64, key string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE users SET address_key = $2 WHERE chat_id = $1
	`, chatID, key)
	return err
}

// UserAddress returns the address key a user is subscribed to ("" if none).
func (db *DB) UserAddress(ctx context.Context, chatID int64) (string, error) {
	var key string
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(address_key, '') FROM users WHERE chat_id = $1
	`, chatID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return key, err
}

// UsersForGroup returns the chat IDs of every user subscribed to an address
// bound to the given group.
func (db *DB) UsersForGroup(ctx context.Context, group string) ([]int64, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT u.chat_id
		FROM users u
		JOIN addresses a ON u.address_key = a.address_key
		WHERE a.group_name = $1
	`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChatIDs(rows)
}

// UsersForAddress returns the chat IDs of users subscribed to one address.
func (db *DB) UsersForAddress(ctx context.Context, key string) ([]int64, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT chat_id FROM users WHERE address_key = $1
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChatIDs(rows)
}

// UsersToWarn returns subscribers of an address who have not yet been warned
// about the outage starting at outageStart.
func (db *DB) UsersToWarn(ctx context.Context, key, outageStart string) ([]int64, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT u.chat_id
		FROM users u
		LEFT JOIN warned_users w
		  ON w.chat_id = u.chat_id AND w.address_key = $1 AND w.outage_start = $2
		WHERE u.address_key = $1 AND w.id IS NULL
	`, key, outageStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChatIDs(rows)
}

func scanChatIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkWarned records that the given users were warned about an outage start.
// The uniqueness constraint makes the existence-check-then-insert atomic.
func (db *DB) MarkWarned(ctx context.Context, chatIDs []int64, key, outageStart string) error {
	for _, id := range chatIDs {
		_, err := db.Pool.Exec(ctx, `
			INSERT INTO warned_users (chat_id, address_key, outage_start)
			VALUES ($1, $2, $3)
			ON CONFLICT (chat_id, address_key, outage_start) DO NOTHING
		`, id, key, outageStart)
		if err != nil {
			return fmt.Errorf("mark warned %d: %w", id, err)
		}
	}
	return nil
}

// ClearWarnedForGroup deletes every warned flag scoped to the group. Called
// when a group's schedule changes, since the old start times no longer mean
// anything.
func (db *DB) ClearWarnedForGroup(ctx context.Context, group string) error {
	_, err := db.Pool.Exec(ctx, `
		DELETE FROM warned_users
		WHERE address_key IN (SELECT address_key FROM addresses WHERE group_name = $1)
	`, group)
	return err
}

// ClearAllWarned deletes every warned flag. Called at the midnight rollover:
// yesterday's start times carry no meaning for today's schedules.
func (db *DB) ClearAllWarned(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM warned_users`)
	return err
}
