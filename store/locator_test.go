package store

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Locator{
		"bucket:simple/path",
		"bucket:path with spaces",
		"bucket:weird/\x00/name",
		"bucket:unicode/caf\xc3\xa9",
		"",
	}
	for _, want := range cases {
		enc := EncodeLocator(want)
		got, err := DecodeLocator(enc)
		if err != nil {
			t.Fatalf("decode %q: %v", enc, err)
		}
		if got != want {
			t.Errorf("round trip mismatch: want %q, got %q (encoded %q)", want, got, enc)
		}
	}
}

func TestEncodeLeadingNUL(t *testing.T) {
	got := EncodeLocator(Locator("\x00rest"))
	if got[:3] != "%00" {
		t.Errorf("expected leading NUL encoded as %%00, got %q", got)
	}
}

func TestEncodeSpace(t *testing.T) {
	if got := EncodeLocator("a b"); got != "a+b" {
		t.Errorf("expected 'a+b', got %q", got)
	}
}
