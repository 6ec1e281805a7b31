package handler

import "testing"

func TestDecodeMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want string
	}{
		{1, "battle"},
		{2, "treasure"},
		{3, "ctf"},
		{4, "race"},
		{5, "coop"},
		{6, "roasttag"},
		{7, "lrs"},
		{8, "xlrs"},
		{9, "pestilence"},
		{10, "teambattle"},
		{11, "jailbreak"},
		{12, "deathctf"},
		{13, "flagrun"},
		{14, "tlrs"},
		{15, "domination"},
		{16, "headhunters"},
		{0, "unknown"},
		{17, "unknown"},
		{-1, "unknown"},
	}
	for _, tc := range tests {
		if got := decodeMode(tc.code); got != tc.want {
			t.Errorf("decodeMode(%d) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestDecodeVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag  []byte
		want string
	}{
		{[]byte("24  "), "1.24  "},
		{[]byte("21  "), "1.23  "},
		{[]byte("24+ "), "1.24+ "},
		{[]byte{'2', '4', 0xFF, ' '}, "1.24 "},
		{[]byte(""), "1.24"},
	}
	for _, tc := range tests {
		if got := decodeVersion(tc.tag); got != tc.want {
			t.Errorf("decodeVersion(%q) = %q, want %q", tc.tag, got, tc.want)
		}
	}
}

func TestFancyTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		seconds int64
		want    string
	}{
		{0, "0s"},
		{59, "59s"},
		{60, "60s"},
		{61, "1m 1s"},
		{3661, "1h 1m 1s"},
		{90061, "1d 1h 1m 1s"},
		{916556, "1wk 3d 14h 35m 56s"},
		{604800, "7d 0h 0m 0s"},
		{-5, "0s"},
	}
	for _, tc := range tests {
		if got := fancyTime(tc.seconds); got != tc.want {
			t.Errorf("fancyTime(%d) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}
