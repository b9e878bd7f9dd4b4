package util

import "testing"

// TestHashKeyStable tests that the key hash does not depend on the process (it is persisted)
func TestHashKeyStable(t *testing.T) {
	// xxhash64 of the empty input
	if got := HashKey(""); got != 0xef46db3751d8e999 {
		t.Errorf("HashKey(\"\") = %x, want ef46db3751d8e999", got)
	}
	if HashKey("key") != HashBytes([]byte("key")) {
		t.Error("HashKey and HashBytes must agree")
	}
	if HashKey("a") == HashKey("b") {
		t.Error("Different keys should hash differently")
	}
}

// TestFormatBytes tests the human readable byte formatting
func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		0:        "0 B",
		1023:     "1023 B",
		1024:     "1.0 KiB",
		1536:     "1.5 KiB",
		64 << 20: "64.0 MiB",
		3 << 30:  "3.0 GiB",
		-2048:    "-2.0 KiB",
	}
	for in, want := range cases {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
