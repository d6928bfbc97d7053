package peeraddr

import (
	"errors"
	"testing"
)

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []PeerAddress{
		New("ipv4", "127.0.0.1", "tcp", "10001", "satoshi"),
		New("ipv6", "::1", "tcp", "9000", "alice"),
		New("dns", "seed.example.org", "tcp", "443", "6b1f0c2e"),
	}
	for _, want := range cases {
		got, err := Parse(want.String())
		if err != nil {
			t.Fatalf("parse %q: %v", want.Addr, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
		}
	}
}

func TestParseFields(t *testing.T) {
	addr, err := Parse("/ipv4/127.0.0.1/tcp/10001/satoshi")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.ID != "satoshi" || addr.Host != "127.0.0.1" || addr.Port != "10001" {
		t.Fatalf("unexpected fields: %+v", addr)
	}
	if addr.DialAddress() != "127.0.0.1:10001" {
		t.Fatalf("unexpected dial address %s", addr.DialAddress())
	}
	if addr.Network() != "tcp4" {
		t.Fatalf("unexpected network %s", addr.Network())
	}
}

func TestParseRejectsShortAddresses(t *testing.T) {
	for _, raw := range []string{"", "/ipv4", "/ipv4/127.0.0.1/tcp/10001", "ipv4/127.0.0.1/tcp/10001"} {
		if _, err := Parse(raw); !errors.Is(err, ErrMalformedAddress) {
			t.Fatalf("expected malformed error for %q, got %v", raw, err)
		}
	}
}
