package format

import "testing"

func TestHumanBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1 KB"},
		{1500, "1.5 KB"},
		{2_400_000_000, "2.4 GB"},
		{151_936 * 1024 * 4, "622 MB"},
	}

	for _, tt := range cases {
		if got := HumanBytes(tt.in); got != tt.want {
			t.Errorf("HumanBytes(%d): Got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHumanBytes2(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{3 * GibiByte, "3.0 GiB"},
	}

	for _, tt := range cases {
		if got := HumanBytes2(tt.in); got != tt.want {
			t.Errorf("HumanBytes2(%d): Got %q, want %q", tt.in, got, tt.want)
		}
	}
}
