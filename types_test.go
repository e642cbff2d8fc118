package main

import (
	"net/netip"
	"testing"
)

// 20 bytes -> 40 hex chars (each byte becomes 2 hex characters)
func TestInfoHash_String(t *testing.T) {
	t.Run("returns 40-character hex string", func(t *testing.T) {
		h := InfoHash("12345678901234567890")

		if s := h.String(); len(s) != 40 {
			t.Errorf("expected length 40, got %d", len(s))
		}
	})

	t.Run("returns correct hex for known value", func(t *testing.T) {
		h := InfoHash("\x00\x01\xab\xff")

		if s := h.String(); s != "0001abff" {
			t.Errorf("expected 0001abff, got %s", s)
		}
	})

	t.Run("short hashes are accepted", func(t *testing.T) {
		h := InfoHash("bobloblawlawblog")

		if s := h.String(); len(s) != 32 {
			t.Errorf("expected length 32, got %d", len(s))
		}
	})
}

func TestEvent_String(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{EventNone, "none"},
		{EventStarted, "started"},
		{EventCompleted, "completed"},
		{EventStopped, "stopped"},
		{Event(42), "none"},
	}

	for _, tt := range tests {
		if got := tt.event.String(); got != tt.want {
			t.Errorf("Event(%d).String() = %q, want %q", tt.event, got, tt.want)
		}
	}
}

func TestNewPeerKey(t *testing.T) {
	t.Run("unmaps IPv4-in-IPv6", func(t *testing.T) {
		mapped := NewPeerKey(netip.MustParseAddr("::ffff:1.2.3.4"), 6881)
		plain := NewPeerKey(netip.MustParseAddr("1.2.3.4"), 6881)

		if mapped != plain {
			t.Errorf("%s != %s", mapped, plain)
		}
		if !mapped.Addr().Is4() {
			t.Error("expected an IPv4 key")
		}
	})

	t.Run("ports distinguish peers", func(t *testing.T) {
		ip := netip.MustParseAddr("1.2.3.4")

		if NewPeerKey(ip, 1) == NewPeerKey(ip, 2) {
			t.Error("keys with different ports must differ")
		}
	})

	t.Run("IPv6 zone is dropped", func(t *testing.T) {
		zoned := NewPeerKey(netip.MustParseAddr("fe80::1%eth0"), 1)
		plain := NewPeerKey(netip.MustParseAddr("fe80::1"), 1)

		if zoned != plain {
			t.Errorf("%s != %s", zoned, plain)
		}
		if zoned.Addr().Zone() != "" {
			t.Errorf("zone = %q, want none", zoned.Addr().Zone())
		}
	})

	t.Run("IPv6 is kept", func(t *testing.T) {
		k := NewPeerKey(netip.MustParseAddr("2001:db8::1"), 51413)

		if k.String() != "[2001:db8::1]:51413" {
			t.Errorf("got %s", k)
		}
	})
}
