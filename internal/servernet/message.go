// Package servernet implements the JSON replication protocol spoken
// between list-server daemons ("the mesh") and by the local admin channel,
// plus the outbound broadcaster that fans messages out to peers.
package servernet

import (
	"encoding/json"
	"fmt"

	"j2lsnek/internal/store"
)

// Port is the TCP port mirrors listen on for mesh traffic.
const Port = 10056

// Actions understood by the mesh protocol.
const (
	ActionServer         = "server"
	ActionDelist         = "delist"
	ActionAddBanlist     = "add-banlist"
	ActionDeleteBanlist  = "delete-banlist"
	ActionAddMirror      = "add-mirror"
	ActionDeleteMirror   = "delete-mirror"
	ActionSetMOTD        = "set-motd"
	ActionRequest        = "request"
	ActionHello          = "hello"
	ActionRequestLogFrom = "request-log-from"
	ActionRequestLog     = "request-log"
	ActionSendLog        = "send-log"
	ActionReload         = "reload"
	ActionPing           = "ping"
	ActionGetServers     = "get-servers"
	ActionGetBanlist     = "get-banlist"
	ActionGetMOTD        = "get-motd"
	ActionGetMOTDExpires = "get-motd-expires"
	ActionGetMirrors     = "get-mirrors"
)

// WebOrigin is the origin tag used by web front-ends on the admin channel.
// It is also a reserved mirror name.
const WebOrigin = "web"

// Envelope is the wire envelope for every mesh and admin message. Data is
// kept raw here; items are decoded per action once the envelope has been
// admitted.
type Envelope struct {
	Action string            `json:"action"`
	Data   []json.RawMessage `json:"data"`
	Origin string            `json:"origin"`
}

// ParseEnvelope decodes an envelope from accumulated bytes. The wire is
// 7-bit ASCII in practice; bytes outside that range are dropped rather
// than failing the whole message.
func ParseEnvelope(raw []byte) (Envelope, error) {
	clean := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b < 0x80 {
			clean = append(clean, b)
		}
	}

	var env Envelope
	if err := json.Unmarshal(clean, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Action == "" || env.Origin == "" || env.Data == nil {
		return Envelope{}, fmt.Errorf("incomplete envelope: action, data and origin are required")
	}
	return env, nil
}

// Marshal encodes an outbound envelope.
func Marshal(action string, data []any, origin string) ([]byte, error) {
	if data == nil {
		data = []any{}
	}
	payload, err := json.Marshal(map[string]any{
		"action": action,
		"data":   data,
		"origin": origin,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

// ServerUpdate is one item of a `server` announce. Pointer fields
// distinguish "absent" from zero so partial updates only touch what the
// sender actually changed.
type ServerUpdate struct {
	ID       string  `json:"id"`
	IP       *string `json:"ip,omitempty"`
	Port     *int    `json:"port,omitempty"`
	Created  *int64  `json:"created,omitempty"`
	Lifesign *int64  `json:"lifesign,omitempty"`
	Private  *int    `json:"private,omitempty"`
	PlusOnly *int    `json:"plusonly,omitempty"`
	Remote   *int    `json:"remote,omitempty"`
	Origin   *string `json:"origin,omitempty"`
	Version  *string `json:"version,omitempty"`
	Mode     *string `json:"mode,omitempty"`
	Players  *int    `json:"players,omitempty"`
	Max      *int    `json:"max,omitempty"`
	Name     *string `json:"name,omitempty"`
	Prefer   *int    `json:"prefer,omitempty"`
}

// DelistItem identifies the row a `delist` removes.
type DelistItem struct {
	ID string `json:"id"`
}

// BanlistItem is one item of an add-banlist or delete-banlist message.
type BanlistItem struct {
	Address  string `json:"address"`
	Type     string `json:"type"`
	Note     string `json:"note"`
	Origin   string `json:"origin"`
	Reserved string `json:"reserved"`
}

// Entry converts the wire item to a store tuple.
func (b BanlistItem) Entry() store.BanlistEntry {
	return store.BanlistEntry{
		Address:  b.Address,
		Type:     b.Type,
		Note:     b.Note,
		Origin:   b.Origin,
		Reserved: b.Reserved,
	}
}

// MirrorItem is one item of an add-mirror or delete-mirror message.
type MirrorItem struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// MOTDItem carries a message-of-the-day update. Updated is the sender's
// last-writer-wins timestamp; Expires is optional `DD-MM-YYYY HH:MM`.
type MOTDItem struct {
	MOTD    string `json:"motd"`
	Updated int64  `json:"motd-updated"`
	Expires string `json:"expires,omitempty"`
}

// SyncItem parametrizes a request or hello. Fragment restricts the pushed
// subset to one of servers, banlist, mirrors, motd; empty means the
// default set.
type SyncItem struct {
	From     string `json:"from,omitempty"`
	Fragment string `json:"fragment,omitempty"`
}

// LogRequestItem asks a peer (request-log) or routes a request toward one
// (request-log-from) for a log tail.
type LogRequestItem struct {
	From  string `json:"from,omitempty"`
	Lines int    `json:"lines,omitempty"`
}

// ReloadItem selects a reload level by mode name.
type ReloadItem struct {
	Mode string `json:"mode,omitempty"`
}

// Reload levels carried by ReloadItem.
const (
	ReloadConfig  = 1
	ReloadRestart = 2
	ReloadReexec  = 3
)

// Level maps the wire mode string to a reload level. The default (empty or
// unknown mode) is a config re-read.
func (r ReloadItem) Level() int {
	switch r.Mode {
	case "restart":
		return ReloadRestart
	case "reboot":
		return ReloadReexec
	default:
		return ReloadConfig
	}
}

// ServerPayload flattens a stored row into the wire shape used by full
// `server` pushes.
func ServerPayload(row store.ServerRow) map[string]any {
	return map[string]any{
		"id":       row.ID,
		"ip":       row.IP,
		"port":     row.Port,
		"created":  row.Created,
		"lifesign": row.Lifesign,
		"private":  row.Private,
		"plusonly": row.PlusOnly,
		"remote":   row.Remote,
		"origin":   row.Origin,
		"version":  row.Version,
		"mode":     row.Mode,
		"players":  row.Players,
		"max":      row.Max,
		"name":     row.Name,
		"prefer":   row.Prefer,
	}
}

// BanlistPayload flattens a banlist tuple into its wire shape.
func BanlistPayload(e store.BanlistEntry) map[string]any {
	return map[string]any{
		"address":  e.Address,
		"type":     e.Type,
		"note":     e.Note,
		"origin":   e.Origin,
		"reserved": e.Reserved,
	}
}

// MirrorPayload flattens a mirror row into its wire shape.
func MirrorPayload(m store.Mirror) map[string]any {
	return map[string]any{
		"name":    m.Name,
		"address": m.Address,
	}
}
