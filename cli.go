package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"j2lsnek/internal/config"
	"j2lsnek/internal/servernet"
)

// RunCLI handles subcommand execution against a running daemon's admin
// channel. Returns true if a subcommand was handled.
func RunCLI(args []string, cfgMgr *config.Manager) bool {
	if len(args) == 0 {
		return false
	}
	cfg := cfgMgr.Current()

	switch args[0] {
	case "version":
		fmt.Printf("j2lsnek %s\n", Version)
		return true
	case "ban":
		return cliBanlist(cfg, servernet.ActionAddBanlist, "ban", args[1:])
	case "unban":
		return cliBanlist(cfg, servernet.ActionDeleteBanlist, "ban", args[1:])
	case "whitelist":
		return cliBanlist(cfg, servernet.ActionAddBanlist, "whitelist", args[1:])
	case "unwhitelist":
		return cliBanlist(cfg, servernet.ActionDeleteBanlist, "whitelist", args[1:])
	case "set-motd":
		return cliSetMOTD(cfg, args[1:])
	case "add-mirror", "delete-mirror":
		return cliMirror(cfg, args[0], args[1:])
	case "servers":
		return cliRead(cfg, servernet.ActionGetServers)
	case "banlist":
		return cliRead(cfg, servernet.ActionGetBanlist)
	case "mirrors":
		return cliRead(cfg, servernet.ActionGetMirrors)
	case "motd":
		return cliRead(cfg, servernet.ActionGetMOTD)
	case "reload":
		return cliReload(cfg, args[1:])
	default:
		return false
	}
}

func cliBanlist(cfg config.Config, action, banType string, args []string) bool {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: j2lsnek ban|unban|whitelist|unwhitelist <address-glob> [note-or-reserved-name]")
		os.Exit(1)
	}

	item := map[string]any{"address": args[0], "type": banType}
	if len(args) > 1 {
		extra := strings.Join(args[1:], " ")
		if banType == "whitelist" {
			item["reserved"] = extra
		} else {
			item["note"] = extra
		}
	}

	adminSend(cfg, action, []any{item})
	return true
}

func cliSetMOTD(cfg config.Config, args []string) bool {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: j2lsnek set-motd <text...>")
		os.Exit(1)
	}
	item := map[string]any{
		"motd":         strings.Join(args, " "),
		"motd-updated": time.Now().Unix(),
	}
	adminSend(cfg, servernet.ActionSetMOTD, []any{item})
	return true
}

func cliMirror(cfg config.Config, cmd string, args []string) bool {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: j2lsnek %s <name> <address>\n", cmd)
		os.Exit(1)
	}
	item := map[string]any{"name": args[0], "address": args[1]}
	adminSend(cfg, cmd, []any{item})
	return true
}

func cliRead(cfg config.Config, action string) bool {
	reply := adminSend(cfg, action, []any{map[string]any{}})
	var pretty bytes.Buffer
	if json.Indent(&pretty, reply, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(reply))
	}
	return true
}

func cliReload(cfg config.Config, args []string) bool {
	item := map[string]any{}
	if len(args) > 0 {
		item["mode"] = args[0]
	}
	adminSend(cfg, servernet.ActionReload, []any{item})
	return true
}

// adminSend delivers one message to the local daemon's admin channel and
// returns the raw reply. Messages are tagged with the web origin so
// accepted mutations propagate to the rest of the mesh.
func adminSend(cfg config.Config, action string, data []any) []byte {
	tlsCfg, err := clientTLSConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading client TLS material: %v\n", err)
		os.Exit(1)
	}

	payload, err := servernet.Marshal(action, data, servernet.WebOrigin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error encoding message: %v\n", err)
		os.Exit(1)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(portAdmin))
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", addr, tlsCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error connecting to admin channel: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(payload); err != nil {
		fmt.Fprintf(os.Stderr, "error sending message: %v\n", err)
		os.Exit(1)
	}

	var reply []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			reply = append(reply, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	if len(reply) == 0 {
		fmt.Fprintln(os.Stderr, "no reply from daemon; message may have been refused")
		os.Exit(1)
	}
	if string(reply) == "ACK" {
		fmt.Println("OK")
		return reply
	}
	if strings.HasPrefix(string(reply), `/!\`) {
		fmt.Fprintln(os.Stderr, string(reply))
		os.Exit(1)
	}
	return reply
}
