package store

import (
	"context"
	"strings"
	"time"
)

// forbiddenNameChars are not displayed by game clients and must never be
// part of a stored server name.
const forbiddenNameChars = "#%&[]^{}~"

// SanitizeName strips a candidate server name down to what clients can
// display: bytes outside [0x20,0x7D] become spaces, runs of whitespace
// collapse to one space, the result is trimmed and the forbidden set is
// removed.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c > 0x7D {
			c = ' '
		}
		if strings.IndexByte(forbiddenNameChars, c) >= 0 {
			continue
		}
		b.WriteByte(c)
	}

	out := b.String()
	for strings.Contains(out, "  ") {
		out = strings.ReplaceAll(out, "  ", " ")
	}
	return strings.Trim(out, " \t\r\n\x00")
}

// ValidateName checks a candidate server name against the reserved-name
// whitelist. If the name matches a reserved glob whose address glob does
// not cover the server's IP, the caller-provided alternative is returned;
// otherwise the sanitized candidate is.
func (s *Store) ValidateName(ctx context.Context, name, ip, alternative string) (string, error) {
	name = SanitizeName(name)
	check := strings.ReplaceAll(strings.ReplaceAll(name, " ", ""), "|", "")
	if check == "" {
		return alternative, nil
	}

	reserved, err := s.ReservedNames(ctx)
	if err != nil {
		return "", err
	}
	for _, mask := range reserved {
		against := strings.ReplaceAll(mask.Reserved, " ", "")
		nameMatches := MatchGlob(strings.ToLower(against), strings.ToLower(check))
		ipMatches := MatchGlob(mask.Address, ip)
		if nameMatches && !ipMatches {
			return alternative, nil
		}
	}
	return name, nil
}

// Record is a live handle on one server row. Setters validate per field,
// write through to the store and touch the row's lifesign; every change is
// also tracked in a delta buffer so only what changed gets broadcast.
//
// A Record is owned by a single handler goroutine and is not safe for
// concurrent use; the store underneath is.
type Record struct {
	store      *Store
	id         string
	row        ServerRow
	isNew      bool
	maxPlayers int
	updated    map[string]any
}

// NewRecord loads the row for key, creating it when absent.
func NewRecord(ctx context.Context, s *Store, key string, maxPlayers int) (*Record, error) {
	r := &Record{store: s, id: key, maxPlayers: maxPlayers, updated: map[string]any{"id": key}}

	row, err := s.ServerByID(ctx, key)
	if err == ErrServerUnknown {
		now := time.Now().Unix()
		if err := s.InsertServer(ctx, key, now); err != nil {
			return nil, err
		}
		row, err = s.ServerByID(ctx, key)
		if err != nil {
			return nil, err
		}
		r.isNew = true
	} else if err != nil {
		return nil, err
	}

	r.row = row
	return r, nil
}

// LoadRecord loads the row for key and fails with ErrServerUnknown when it
// does not exist.
func LoadRecord(ctx context.Context, s *Store, key string, maxPlayers int) (*Record, error) {
	row, err := s.ServerByID(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Record{store: s, id: key, row: row, maxPlayers: maxPlayers, updated: map[string]any{"id": key}}, nil
}

// ID returns the record key.
func (r *Record) ID() string { return r.id }

// IsNew reports whether the row was created by this handle.
func (r *Record) IsNew() bool { return r.isNew }

// Row returns the current in-memory snapshot of the row.
func (r *Record) Row() ServerRow { return r.row }

func (r *Record) set(ctx context.Context, column string, value any, changed bool) error {
	if changed {
		r.updated[column] = value
	}
	return r.store.UpdateServerField(ctx, r.id, column, value, time.Now().Unix())
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// SetName stores a sanitized server name. Reserved-name policy is applied
// by the caller via ValidateName before this point.
func (r *Record) SetName(ctx context.Context, name string) error {
	name = SanitizeName(name)
	changed := r.row.Name != name
	r.row.Name = name
	return r.set(ctx, "name", name, changed)
}

// SetIP stores the advertised IP.
func (r *Record) SetIP(ctx context.Context, ip string) error {
	changed := r.row.IP != ip
	r.row.IP = ip
	return r.set(ctx, "ip", ip, changed)
}

// SetPort stores the advertised game port.
func (r *Record) SetPort(ctx context.Context, port int) error {
	changed := r.row.Port != port
	r.row.Port = port
	return r.set(ctx, "port", port, changed)
}

// SetPlayers stores the current player count, clamped to [0, MaxPlayers].
func (r *Record) SetPlayers(ctx context.Context, players int) error {
	players = clamp(players, r.maxPlayers)
	changed := r.row.Players != players
	r.row.Players = players
	return r.set(ctx, "players", players, changed)
}

// SetMax stores the capacity, clamped to [0, MaxPlayers].
func (r *Record) SetMax(ctx context.Context, max int) error {
	max = clamp(max, r.maxPlayers)
	changed := r.row.Max != max
	r.row.Max = max
	return r.set(ctx, "max", max, changed)
}

// SetPrivate stores the privacy flag.
func (r *Record) SetPrivate(ctx context.Context, private int) error {
	private &= 1
	changed := r.row.Private != private
	r.row.Private = private
	return r.set(ctx, "private", private, changed)
}

// SetPlusOnly stores the mod-clients-only flag.
func (r *Record) SetPlusOnly(ctx context.Context, plusonly int) error {
	plusonly &= 1
	changed := r.row.PlusOnly != plusonly
	r.row.PlusOnly = plusonly
	return r.set(ctx, "plusonly", plusonly, changed)
}

// SetMode stores the decoded game mode string.
func (r *Record) SetMode(ctx context.Context, mode string) error {
	changed := r.row.Mode != mode
	r.row.Mode = mode
	return r.set(ctx, "mode", mode, changed)
}

// SetVersion stores the decoded version string.
func (r *Record) SetVersion(ctx context.Context, version string) error {
	changed := r.row.Version != version
	r.row.Version = version
	return r.set(ctx, "version", version, changed)
}

// SetOrigin stores the owning daemon address.
func (r *Record) SetOrigin(ctx context.Context, origin string) error {
	changed := r.row.Origin != origin
	r.row.Origin = origin
	return r.set(ctx, "origin", origin, changed)
}

// SetRemote marks the row as locally registered (0) or mesh-learned (1).
func (r *Record) SetRemote(ctx context.Context, remote int) error {
	remote &= 1
	changed := r.row.Remote != remote
	r.row.Remote = remote
	return r.set(ctx, "remote", remote, changed)
}

// SetPrefer stores the probe-derived sort booster.
func (r *Record) SetPrefer(ctx context.Context, prefer int) error {
	prefer &= 1
	changed := r.row.Prefer != prefer
	r.row.Prefer = prefer
	return r.set(ctx, "prefer", prefer, changed)
}

// SetCreated overrides the creation timestamp (mesh announces carry the
// origin daemon's value).
func (r *Record) SetCreated(ctx context.Context, created int64) error {
	changed := r.row.Created != created
	r.row.Created = created
	return r.set(ctx, "created", created, changed)
}

// SetLastPing records when the UDP prober last touched this server.
func (r *Record) SetLastPing(ctx context.Context, lastPing int64) error {
	changed := r.row.LastPing != lastPing
	r.row.LastPing = lastPing
	return r.set(ctx, "last_ping", lastPing, changed)
}

// Ping refreshes the lifesign without changing anything else.
func (r *Record) Ping(ctx context.Context) error {
	now := time.Now().Unix()
	r.row.Lifesign = now
	return r.store.UpdateServerField(ctx, r.id, "lifesign", now, now)
}

// Forget deletes the row.
func (r *Record) Forget(ctx context.Context) error {
	return r.store.DeleteServer(ctx, r.id)
}

// FlushUpdates returns the delta accumulated since the last flush (always
// including the id) and resets the buffer.
func (r *Record) FlushUpdates() map[string]any {
	updates := r.updated
	r.updated = map[string]any{"id": r.id}
	return updates
}
