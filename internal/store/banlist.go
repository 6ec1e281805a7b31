package store

import (
	"context"
	"strings"
)

// MatchGlob matches s against a banlist-style pattern where `*` stands for
// an arbitrary run of characters. No other metacharacters exist in this
// dialect.
func MatchGlob(pattern, s string) bool {
	// Iterative wildcard match with single-star backtracking.
	var (
		pi, si   int
		star     = -1
		starNext int
	)
	for si < len(s) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			starNext = si
			pi++
		case pi < len(pattern) && pattern[pi] == s[si]:
			pi++
			si++
		case star >= 0:
			starNext++
			si = starNext
			pi = star + 1
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// matchAny reports whether ip matches any banlist row of the given type.
// When name is non-empty, rows with a reserved glob additionally require
// the name to match it.
func (s *Store) matchAny(ctx context.Context, banType, ip, name string) (bool, error) {
	entries, err := s.BanlistEntries(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Type != banType {
			continue
		}
		if !MatchGlob(e.Address, ip) {
			continue
		}
		if e.Reserved != "" && name != "" {
			if !MatchGlob(strings.ToLower(e.Reserved), strings.ToLower(name)) {
				continue
			}
		}
		return true, nil
	}
	return false, nil
}

// isMirror reports whether the address belongs to the mirror set. Mirrors
// are implicitly whitelisted and never banned.
func (s *Store) isMirror(ctx context.Context, ip string) (bool, error) {
	addrs, err := s.MirrorAddresses(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if a == ip {
			return true, nil
		}
	}
	return false, nil
}

// Banned reports whether connections from ip must be refused. Loopback and
// mirrors are never banned.
func (s *Store) Banned(ctx context.Context, ip string) (bool, error) {
	if ip == "127.0.0.1" {
		return false, nil
	}
	mirror, err := s.isMirror(ctx, ip)
	if err != nil || mirror {
		return false, err
	}
	return s.matchAny(ctx, BanTypeBan, ip, "")
}

// Whitelisted reports whether ip bypasses rate limiting and per-IP caps.
// Mirrors are implicitly whitelisted.
func (s *Store) Whitelisted(ctx context.Context, ip string) (bool, error) {
	mirror, err := s.isMirror(ctx, ip)
	if err != nil {
		return false, err
	}
	if mirror {
		return true, nil
	}
	return s.matchAny(ctx, BanTypeWhitelist, ip, "")
}

// Preferred reports whether a server at ip with the given name gets a
// sort-order boost.
func (s *Store) Preferred(ctx context.Context, ip, name string) (bool, error) {
	return s.matchAny(ctx, BanTypePrefer, ip, name)
}

// Unpreferred reports whether a server at ip with the given name is forced
// to the bottom of the list.
func (s *Store) Unpreferred(ctx context.Context, ip, name string) (bool, error) {
	return s.matchAny(ctx, BanTypeUnprefer, ip, name)
}
