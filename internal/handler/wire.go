package handler

import (
	"fmt"
	"strings"
)

// gameModes maps the 5-bit mode code from the hello payload to its
// human-readable name. Codes outside the table are "unknown".
var gameModes = map[int]string{
	1:  "battle",
	2:  "treasure",
	3:  "ctf",
	4:  "race",
	5:  "coop",
	6:  "roasttag",
	7:  "lrs",
	8:  "xlrs",
	9:  "pestilence",
	10: "teambattle",
	11: "jailbreak",
	12: "deathctf",
	13: "flagrun",
	14: "tlrs",
	15: "domination",
	16: "headhunters",
}

// decodeMode resolves a wire mode code to its name.
func decodeMode(code int) string {
	if name, ok := gameModes[code]; ok {
		return name
	}
	return "unknown"
}

// decodeVersion turns the 4-byte version tag from the hello payload into
// the displayed version string. The first two characters select the base
// game version; anything after them (the plus-mod suffix) is kept as-is.
func decodeVersion(tag []byte) string {
	var b strings.Builder
	for _, c := range tag {
		if c < 0x80 {
			b.WriteByte(c)
		}
	}
	s := b.String()

	base := "1.24"
	if strings.HasPrefix(s, "21") {
		base = "1.23"
	}
	if len(s) > 2 {
		return base + s[2:]
	}
	return base
}

// fancyTime renders a duration in seconds as a human-readable string,
// e.g. "1wk 3d 14h 35m 56s". Once a unit is rendered every smaller unit
// is rendered too, zero or not.
func fancyTime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}

	const (
		minute = 60
		hour   = 60 * minute
		day    = 24 * hour
		week   = 7 * day
	)

	var b strings.Builder
	var weeks, days, hours, minutes int64
	if seconds > week {
		weeks = seconds / week
		seconds -= weeks * week
		fmt.Fprintf(&b, "%dwk ", weeks)
	}
	if seconds > day || weeks > 0 {
		days = seconds / day
		seconds -= days * day
		fmt.Fprintf(&b, "%dd ", days)
	}
	if seconds > hour || days > 0 || weeks > 0 {
		hours = seconds / hour
		seconds -= hours * hour
		fmt.Fprintf(&b, "%dh ", hours)
	}
	if seconds > minute || hours > 0 || days > 0 || weeks > 0 {
		minutes = seconds / minute
		seconds -= minutes * minute
		fmt.Fprintf(&b, "%dm ", minutes)
	}
	fmt.Fprintf(&b, "%ds", seconds)
	return b.String()
}
