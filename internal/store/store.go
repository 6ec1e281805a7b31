// Package store persists daemon state in SQLite: the server list, the
// banlist, the mirror set and a small settings table. All mutators run
// behind a single process-wide mutex so concurrent connection handlers
// cannot interleave statements.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrServerUnknown is returned when a record is requested without create
// and no row exists for the key.
var ErrServerUnknown = errors.New("server unknown")

// Store wraps the sqlite database. Safe for concurrent use.
type Store struct {
	db *sql.DB

	// mu serializes mutating statements. Readers rely on sqlite's own
	// isolation and do not take it.
	mu sync.Mutex
}

// Open opens (or creates) the database at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between the serialized
	// writers and concurrent readers.
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS servers (
	id        TEXT UNIQUE,
	ip        TEXT DEFAULT '',
	port      INTEGER DEFAULT 0,
	created   INTEGER DEFAULT 0,
	lifesign  INTEGER DEFAULT 0,
	last_ping INTEGER DEFAULT 0,
	private   INTEGER DEFAULT 0,
	plusonly  INTEGER DEFAULT 0,
	remote    INTEGER DEFAULT 0,
	origin    TEXT DEFAULT '',
	version   TEXT DEFAULT '1.00',
	mode      TEXT DEFAULT 'unknown',
	players   INTEGER DEFAULT 0,
	max       INTEGER DEFAULT 0,
	name      TEXT DEFAULT '',
	prefer    INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS banlist (
	address  TEXT,
	type     TEXT,
	origin   TEXT DEFAULT '',
	note     TEXT DEFAULT '',
	reserved TEXT DEFAULT ''
);

CREATE TABLE IF NOT EXISTS mirrors (
	name     TEXT,
	address  TEXT,
	lifesign INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
	item  TEXT UNIQUE,
	value TEXT
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	for _, seed := range []struct{ item, value string }{
		{"motd", ""},
		{"motd-updated", "0"},
		{"motd-expires", "0"},
	} {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO settings (item, value) VALUES (?, ?)`, seed.item, seed.value); err != nil {
			return fmt.Errorf("seed setting %s: %w", seed.item, err)
		}
	}

	slog.Debug("sqlite schema ensured")
	return nil
}

// exec runs a mutating statement behind the store mutex.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.ExecContext(ctx, query, args...)
}

// Reset prepares the store for a fresh daemon run. A restart breaks all
// open server connections, so the server table is truncated; banlist rows
// owned by other daemons are dropped too and will be re-synced by the mesh.
func (s *Store) Reset(ctx context.Context, self string) error {
	if _, err := s.exec(ctx, `DELETE FROM servers`); err != nil {
		return fmt.Errorf("truncate servers: %w", err)
	}
	if _, err := s.exec(ctx, `DELETE FROM banlist WHERE origin != ?`, self); err != nil {
		return fmt.Errorf("truncate foreign banlist rows: %w", err)
	}
	slog.Debug("store reset", "origin", self)
	return nil
}

// MasterMirror is the well-known peer seeded into the mirror set on first
// boot so new daemons join the mesh without manual setup.
const MasterMirror = "list.jj2.plus"

// SeedMasterMirror inserts the master peer into the mirror set if its name
// resolves and does not point at this daemon. Failure to resolve is not an
// error; the daemon just starts unfederated.
func (s *Store) SeedMasterMirror(ctx context.Context, selfIP string) error {
	addrs, err := net.LookupHost(MasterMirror)
	if err != nil || len(addrs) == 0 {
		slog.Info("master mirror did not resolve, starting unfederated", "host", MasterMirror)
		return nil
	}
	address := addrs[0]
	if address == selfIP || address == "127.0.0.1" {
		return nil
	}

	known, err := s.MirrorExists(ctx, MasterMirror, address)
	if err != nil {
		return err
	}
	if known {
		return nil
	}
	if err := s.AddMirror(ctx, MasterMirror, address); err != nil {
		return err
	}
	slog.Info("master mirror seeded", "host", MasterMirror, "address", address)
	return nil
}

// ServerRow is one row of the servers table.
type ServerRow struct {
	ID       string
	IP       string
	Port     int
	Created  int64
	Lifesign int64
	LastPing int64
	Private  int
	PlusOnly int
	Remote   int
	Origin   string
	Version  string
	Mode     string
	Players  int
	Max      int
	Name     string
	Prefer   int
}

const serverColumns = `id, ip, port, created, lifesign, last_ping, private, plusonly, remote, origin, version, mode, players, max, name, prefer`

func scanServer(row interface{ Scan(...any) error }) (ServerRow, error) {
	var r ServerRow
	err := row.Scan(&r.ID, &r.IP, &r.Port, &r.Created, &r.Lifesign, &r.LastPing,
		&r.Private, &r.PlusOnly, &r.Remote, &r.Origin, &r.Version, &r.Mode,
		&r.Players, &r.Max, &r.Name, &r.Prefer)
	return r, err
}

// ServerByID loads a single server row. Returns ErrServerUnknown when no
// row exists.
func (s *Store) ServerByID(ctx context.Context, id string) (ServerRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	r, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ServerRow{}, ErrServerUnknown
	}
	if err != nil {
		return ServerRow{}, fmt.Errorf("query server %s: %w", id, err)
	}
	return r, nil
}

// InsertServer creates a fresh server row with only identity and
// timestamps filled in.
func (s *Store) InsertServer(ctx context.Context, id string, now int64) error {
	_, err := s.exec(ctx,
		`INSERT INTO servers (id, created, lifesign) VALUES (?, ?, ?)`, id, now, now)
	if err != nil {
		return fmt.Errorf("insert server %s: %w", id, err)
	}
	return nil
}

// serverColumnSet whitelists the columns UpdateServerField may touch.
var serverColumnSet = map[string]bool{
	"ip": true, "port": true, "created": true, "lifesign": true,
	"last_ping": true, "private": true, "plusonly": true, "remote": true,
	"origin": true, "version": true, "mode": true, "players": true,
	"max": true, "name": true, "prefer": true,
}

// UpdateServerField sets a single column on a server row and touches its
// lifesign in the same statement.
func (s *Store) UpdateServerField(ctx context.Context, id, column string, value any, lifesign int64) error {
	if !serverColumnSet[column] {
		return fmt.Errorf("%s is not a server property", column)
	}
	_, err := s.exec(ctx,
		`UPDATE servers SET `+column+` = ?, lifesign = ? WHERE id = ?`, value, lifesign, id)
	if err != nil {
		return fmt.Errorf("update server %s field %s: %w", id, column, err)
	}
	return nil
}

// DeleteServer forgets a server row.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	return nil
}

// CountServersByIP reports how many rows an IP currently owns.
func (s *Store) CountServersByIP(ctx context.Context, ip string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM servers WHERE ip = ?`, ip).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count servers for %s: %w", ip, err)
	}
	return n, nil
}

// ServerListed reports whether an (ip, advertised port) pair is already in
// the list. Used to refuse too-fast reconnects.
func (s *Store) ServerListed(ctx context.Context, ip string, port int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM servers WHERE ip = ? AND port = ?`, ip, port).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check listing for %s:%d: %w", ip, port, err)
	}
	return n > 0, nil
}

// listOrder is the canonical client-facing sort: preferred servers first,
// then public before private, non-full before full, busier first, older
// first.
const listOrder = ` ORDER BY prefer DESC, private ASC, (players = max) ASC, players DESC, created ASC`

func (s *Store) queryServers(ctx context.Context, query string, args ...any) ([]ServerRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	var out []ServerRow
	for rows.Next() {
		r, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ServersForList returns all listable servers in canonical order.
func (s *Store) ServersForList(ctx context.Context) ([]ServerRow, error) {
	return s.queryServers(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE max > 0`+listOrder)
}

// ServersForBinaryList returns occupied servers in canonical order,
// excluding plusonly servers which vanilla clients cannot join.
func (s *Store) ServersForBinaryList(ctx context.Context) ([]ServerRow, error) {
	return s.queryServers(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE players > 0 AND max > 0 AND plusonly = 0`+listOrder)
}

// ActiveServers returns all rows with players, for the stats port.
func (s *Store) ActiveServers(ctx context.Context) ([]ServerRow, error) {
	return s.queryServers(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE players > 0`)
}

// LocalOccupiedServers returns the locally originated rows with players,
// for mesh sync pushes.
func (s *Store) LocalOccupiedServers(ctx context.Context, origin string) ([]ServerRow, error) {
	return s.queryServers(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE players > 0 AND origin = ?`, origin)
}

// AllServers returns every row in canonical order, for the admin API.
func (s *Store) AllServers(ctx context.Context) ([]ServerRow, error) {
	return s.queryServers(ctx, `SELECT `+serverColumns+` FROM servers`+listOrder)
}

// CleanupStale evicts mirrored rows whose lifesign is older than the
// timeout. Idempotent; called before user-facing reads.
func (s *Store) CleanupStale(ctx context.Context, timeout time.Duration, now int64) error {
	cutoff := now - int64(timeout.Seconds())
	_, err := s.exec(ctx, `DELETE FROM servers WHERE remote = 1 AND lifesign < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup stale servers: %w", err)
	}
	return nil
}

// ProbeCandidate returns the locally-owned server with the oldest
// last_ping older than the cutoff, or ErrServerUnknown when none qualifies.
func (s *Store) ProbeCandidate(ctx context.Context, origin string, cutoff int64) (ServerRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE origin = ? AND last_ping < ? ORDER BY last_ping ASC LIMIT 1`,
		origin, cutoff)
	r, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ServerRow{}, ErrServerUnknown
	}
	if err != nil {
		return ServerRow{}, fmt.Errorf("query probe candidate: %w", err)
	}
	return r, nil
}

// BanlistEntry is one row of the banlist table. The full tuple is the
// logical key for add/delete idempotence.
type BanlistEntry struct {
	Address  string
	Type     string
	Origin   string
	Note     string
	Reserved string
}

// Banlist entry types.
const (
	BanTypeBan       = "ban"
	BanTypeWhitelist = "whitelist"
	BanTypePrefer    = "prefer"
	BanTypeUnprefer  = "unprefer"
)

// BanlistEntries returns the whole banlist.
func (s *Store) BanlistEntries(ctx context.Context) ([]BanlistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, type, origin, note, reserved FROM banlist`)
	if err != nil {
		return nil, fmt.Errorf("query banlist: %w", err)
	}
	defer rows.Close()

	var out []BanlistEntry
	for rows.Next() {
		var e BanlistEntry
		if err := rows.Scan(&e.Address, &e.Type, &e.Origin, &e.Note, &e.Reserved); err != nil {
			return nil, fmt.Errorf("scan banlist entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReservedNames returns the whitelist rows that claim a name glob.
func (s *Store) ReservedNames(ctx context.Context) ([]BanlistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, type, origin, note, reserved FROM banlist WHERE type = ? AND reserved != ''`,
		BanTypeWhitelist)
	if err != nil {
		return nil, fmt.Errorf("query reserved names: %w", err)
	}
	defer rows.Close()

	var out []BanlistEntry
	for rows.Next() {
		var e BanlistEntry
		if err := rows.Scan(&e.Address, &e.Type, &e.Origin, &e.Note, &e.Reserved); err != nil {
			return nil, fmt.Errorf("scan reserved name entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddBanlistEntry inserts an entry unless the identical tuple is already
// present. Reports whether a row was inserted.
func (s *Store) AddBanlistEntry(ctx context.Context, e BanlistEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM banlist WHERE address = ? AND type = ? AND note = ? AND origin = ? AND reserved = ?`,
		e.Address, e.Type, e.Note, e.Origin, e.Reserved).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check banlist tuple: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO banlist (address, type, note, origin, reserved) VALUES (?, ?, ?, ?, ?)`,
		e.Address, e.Type, e.Note, e.Origin, e.Reserved)
	if err != nil {
		return false, fmt.Errorf("insert banlist entry: %w", err)
	}
	return true, nil
}

// DeleteBanlistEntry removes the entry matching the full tuple.
func (s *Store) DeleteBanlistEntry(ctx context.Context, e BanlistEntry) error {
	_, err := s.exec(ctx,
		`DELETE FROM banlist WHERE address = ? AND type = ? AND note = ? AND origin = ? AND reserved = ?`,
		e.Address, e.Type, e.Note, e.Origin, e.Reserved)
	if err != nil {
		return fmt.Errorf("delete banlist entry: %w", err)
	}
	return nil
}

// Mirror is one row of the mirrors table.
type Mirror struct {
	Name     string
	Address  string
	Lifesign int64
}

// Mirrors returns all mirrors, most recently heard-from first.
func (s *Store) Mirrors(ctx context.Context) ([]Mirror, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, address, lifesign FROM mirrors ORDER BY lifesign DESC`)
	if err != nil {
		return nil, fmt.Errorf("query mirrors: %w", err)
	}
	defer rows.Close()

	var out []Mirror
	for rows.Next() {
		var m Mirror
		if err := rows.Scan(&m.Name, &m.Address, &m.Lifesign); err != nil {
			return nil, fmt.Errorf("scan mirror: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MirrorAddresses returns just the mirror IPs. This is the broadcast
// recipient set; the table is the single source of truth.
func (s *Store) MirrorAddresses(ctx context.Context) ([]string, error) {
	mirrors, err := s.Mirrors(ctx)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(mirrors))
	for _, m := range mirrors {
		addrs = append(addrs, m.Address)
	}
	return addrs, nil
}

// MirrorExists reports whether a mirror with the given name or address is
// already known. Name and address are independently unique.
func (s *Store) MirrorExists(ctx context.Context, name, address string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mirrors WHERE name = ? OR address = ?`, name, address).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check mirror %s: %w", address, err)
	}
	return n > 0, nil
}

// AddMirror inserts a mirror.
func (s *Store) AddMirror(ctx context.Context, name, address string) error {
	_, err := s.exec(ctx,
		`INSERT INTO mirrors (name, address, lifesign) VALUES (?, ?, ?)`,
		name, address, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert mirror %s: %w", address, err)
	}
	return nil
}

// DeleteMirror removes a mirror by name and address.
func (s *Store) DeleteMirror(ctx context.Context, name, address string) error {
	_, err := s.exec(ctx,
		`DELETE FROM mirrors WHERE name = ? AND address = ?`, name, address)
	if err != nil {
		return fmt.Errorf("delete mirror %s: %w", address, err)
	}
	return nil
}

// TouchMirror updates a mirror's lifesign.
func (s *Store) TouchMirror(ctx context.Context, address string, now int64) error {
	_, err := s.exec(ctx,
		`UPDATE mirrors SET lifesign = ? WHERE address = ?`, now, address)
	if err != nil {
		return fmt.Errorf("touch mirror %s: %w", address, err)
	}
	return nil
}

// Setting returns a settings value, or the empty string when unset.
func (s *Store) Setting(ctx context.Context, item string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE item = ?`, item).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query setting %s: %w", item, err)
	}
	return value, nil
}

// SetSetting upserts a settings value.
func (s *Store) SetSetting(ctx context.Context, item, value string) error {
	_, err := s.exec(ctx,
		`INSERT INTO settings (item, value) VALUES (?, ?)
		 ON CONFLICT(item) DO UPDATE SET value = excluded.value`, item, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", item, err)
	}
	return nil
}
