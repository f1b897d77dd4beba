// Package store persists room bindings and notification subscriptions in
// SQLite. The store is the single source of truth for which channel maps to
// which room; the supervisor's in-memory map only tracks live processes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	ErrChannelBound = errors.New("channel already bound to a room")
	ErrRoomBound    = errors.New("room already bound to a channel")
	ErrNotBound     = errors.New("room not bound")
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS bindings (
	address        TEXT PRIMARY KEY,
	guild_id       TEXT NOT NULL,
	channel_id     TEXT NOT NULL UNIQUE,
	multidata_path TEXT NOT NULL DEFAULT '',
	savedata_path  TEXT NOT NULL DEFAULT '',
	password       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS subscriptions (
	address      TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	slot_id      INTEGER NOT NULL DEFAULT 0,
	hint_flags   INTEGER NOT NULL DEFAULT 0,
	item_flags   INTEGER NOT NULL DEFAULT 0,
	terms        TEXT NOT NULL DEFAULT '[]',
	item_targets TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (address, user_id, slot_id)
);
`

// RoomConfig identifies one room's connection parameters and its bound chat
// channel.
type RoomConfig struct {
	Address       string
	GuildID       string
	ChannelID     string
	MultidataPath string
	SavedataPath  string
	Password      string
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and applies the schema. WAL mode
// and a busy timeout keep concurrent readers from tripping over the writer.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Bind creates a binding between a room and a channel. At most one binding
// may exist per channel and per room; both limits are enforced by the schema
// constraints, so a single INSERT decides atomically even under concurrent
// binds. The violated constraint names which invariant tripped.
func (s *Store) Bind(ctx context.Context, cfg RoomConfig) (*RoomConfig, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bindings (address, guild_id, channel_id, multidata_path, savedata_path, password)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cfg.Address, cfg.GuildID, cfg.ChannelID, cfg.MultidataPath, cfg.SavedataPath, cfg.Password,
	)
	if err != nil {
		switch msg := err.Error(); {
		case strings.Contains(msg, "bindings.channel_id"):
			return nil, fmt.Errorf("%w: %s", ErrChannelBound, cfg.ChannelID)
		case strings.Contains(msg, "bindings.address"):
			return nil, fmt.Errorf("%w: %s", ErrRoomBound, cfg.Address)
		default:
			return nil, fmt.Errorf("save binding: %w", err)
		}
	}
	return &cfg, nil
}

// Unbind removes the binding for a room and returns it, or ErrNotBound.
func (s *Store) Unbind(ctx context.Context, address string) (*RoomConfig, error) {
	cfg, err := s.bindingByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE address = ?`, address); err != nil {
		return nil, fmt.Errorf("delete binding: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE address = ?`, address); err != nil {
		return nil, fmt.Errorf("delete subscriptions: %w", err)
	}
	return cfg, nil
}

// ActiveBindings returns every persisted binding. The supervisor replays
// these at startup so bindings survive a gateway restart.
func (s *Store) ActiveBindings(ctx context.Context) ([]RoomConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, guild_id, channel_id, multidata_path, savedata_path, password
		 FROM bindings ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []RoomConfig
	for rows.Next() {
		var cfg RoomConfig
		if err := rows.Scan(&cfg.Address, &cfg.GuildID, &cfg.ChannelID,
			&cfg.MultidataPath, &cfg.SavedataPath, &cfg.Password); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// BindingByChannel looks up the binding for a guild channel. Returns
// (nil, nil) when the channel is not bound.
func (s *Store) BindingByChannel(ctx context.Context, guildID, channelID string) (*RoomConfig, error) {
	var cfg RoomConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT address, guild_id, channel_id, multidata_path, savedata_path, password
		 FROM bindings WHERE guild_id = ? AND channel_id = ?`,
		guildID, channelID,
	).Scan(&cfg.Address, &cfg.GuildID, &cfg.ChannelID,
		&cfg.MultidataPath, &cfg.SavedataPath, &cfg.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup channel binding: %w", err)
	}
	return &cfg, nil
}

func (s *Store) bindingByAddress(ctx context.Context, address string) (*RoomConfig, error) {
	var cfg RoomConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT address, guild_id, channel_id, multidata_path, savedata_path, password
		 FROM bindings WHERE address = ?`,
		address,
	).Scan(&cfg.Address, &cfg.GuildID, &cfg.ChannelID,
		&cfg.MultidataPath, &cfg.SavedataPath, &cfg.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup binding: %w", err)
	}
	return &cfg, nil
}
