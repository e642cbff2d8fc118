package main

import (
	"errors"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"
)

func validQuery() url.Values {
	return url.Values{
		"info_hash":  {"bobloblawlawblog"},
		"peer_id":    {"somepeerid"},
		"port":       {"9023"},
		"downloaded": {"0"},
		"left":       {"1024"},
	}
}

func TestParseAnnounceRequest_Valid(t *testing.T) {
	req, err := parseAnnounceRequest(validQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if req.InfoHash != "bobloblawlawblog" {
		t.Errorf("info_hash = %q, want bobloblawlawblog", req.InfoHash)
	}
	if req.PeerID != "somepeerid" {
		t.Errorf("peer_id = %q, want somepeerid", req.PeerID)
	}
	if req.Port != 9023 {
		t.Errorf("port = %d, want 9023", req.Port)
	}
	if req.Left != 1024 {
		t.Errorf("left = %d, want 1024", req.Left)
	}
	if req.Uploaded != 0 {
		t.Errorf("uploaded = %d, want 0 (default)", req.Uploaded)
	}
	if req.Event != EventNone {
		t.Errorf("event = %s, want none", req.Event)
	}
	if req.NumWant != -1 {
		t.Errorf("numwant = %d, want -1 (absent)", req.NumWant)
	}
	if req.Compact {
		t.Error("compact should default to false")
	}
	if req.IP.IsValid() {
		t.Errorf("ip = %s, want unset", req.IP)
	}
}

func TestParseAnnounceRequest_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		modify func(q url.Values)
		reason string
	}{
		{"missing info_hash", func(q url.Values) { q.Del("info_hash") }, "missing info_hash"},
		{"empty info_hash", func(q url.Values) { q.Set("info_hash", "") }, "missing info_hash"},
		{"missing peer_id", func(q url.Values) { q.Del("peer_id") }, "missing peer_id"},
		{"missing port", func(q url.Values) { q.Del("port") }, "missing port"},
		{"port zero", func(q url.Values) { q.Set("port", "0") }, "port cannot be 0"},
		{"port too large", func(q url.Values) { q.Set("port", "65536") }, "invalid port"},
		{"port negative", func(q url.Values) { q.Set("port", "-1") }, "invalid port"},
		{"missing downloaded", func(q url.Values) { q.Del("downloaded") }, "missing downloaded"},
		{"negative downloaded", func(q url.Values) { q.Set("downloaded", "-5") }, "invalid downloaded"},
		{"missing left", func(q url.Values) { q.Del("left") }, "missing left"},
		{"non-numeric left", func(q url.Values) { q.Set("left", "lots") }, "invalid left"},
		{"invalid uploaded", func(q url.Values) { q.Set("uploaded", "x") }, "invalid uploaded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := validQuery()
			tt.modify(q)

			_, err := parseAnnounceRequest(q)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrMalformedRequest) {
				t.Errorf("error %v does not wrap ErrMalformedRequest", err)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("error = %q, want to contain %q", err, tt.reason)
			}
		})
	}
}

func TestParseAnnounceRequest_Events(t *testing.T) {
	tests := []struct {
		raw     string
		want    Event
		warning bool
	}{
		{"", EventNone, false},
		{"empty", EventNone, false},
		{"started", EventStarted, false},
		{"completed", EventCompleted, false},
		{"stopped", EventStopped, false},
		{"Stopped", EventNone, true},
		{"paused", EventNone, true},
	}

	for _, tt := range tests {
		t.Run("event="+tt.raw, func(t *testing.T) {
			q := validQuery()
			if tt.raw != "" {
				q.Set("event", tt.raw)
			}

			req, err := parseAnnounceRequest(q)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.Event != tt.want {
				t.Errorf("event = %s, want %s", req.Event, tt.want)
			}
			if (req.Warning != "") != tt.warning {
				t.Errorf("warning = %q, want warning=%v", req.Warning, tt.warning)
			}
		})
	}
}

func TestParseAnnounceRequest_Optional(t *testing.T) {
	t.Run("compact truthy values", func(t *testing.T) {
		for _, v := range []string{"1", "true", "t"} {
			q := validQuery()
			q.Set("compact", v)
			req, _ := parseAnnounceRequest(q)
			if !req.Compact {
				t.Errorf("compact=%s should select compact mode", v)
			}
		}
	})

	t.Run("compact zero", func(t *testing.T) {
		q := validQuery()
		q.Set("compact", "0")
		req, _ := parseAnnounceRequest(q)
		if req.Compact {
			t.Error("compact=0 should select dictionary mode")
		}
	})

	t.Run("numwant garbage is ignored", func(t *testing.T) {
		q := validQuery()
		q.Set("numwant", "many")
		req, err := parseAnnounceRequest(q)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.NumWant != -1 {
			t.Errorf("numwant = %d, want -1", req.NumWant)
		}
	})

	t.Run("numwant negative is ignored", func(t *testing.T) {
		q := validQuery()
		q.Set("numwant", "-1")
		req, _ := parseAnnounceRequest(q)
		if req.NumWant != -1 {
			t.Errorf("numwant = %d, want -1", req.NumWant)
		}
	})

	t.Run("numwant value", func(t *testing.T) {
		q := validQuery()
		q.Set("numwant", "5")
		req, _ := parseAnnounceRequest(q)
		if req.NumWant != 5 {
			t.Errorf("numwant = %d, want 5", req.NumWant)
		}
	})

	t.Run("ip override", func(t *testing.T) {
		q := validQuery()
		q.Set("ip", "::ffff:1.2.3.4")
		req, _ := parseAnnounceRequest(q)
		if req.IP != netip.MustParseAddr("1.2.3.4") {
			t.Errorf("ip = %s, want 1.2.3.4", req.IP)
		}
	})

	t.Run("invalid ip override is ignored", func(t *testing.T) {
		q := validQuery()
		q.Set("ip", "tracker.example.com")
		req, err := parseAnnounceRequest(q)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.IP.IsValid() {
			t.Errorf("ip = %s, want unset", req.IP)
		}
	})

	t.Run("empty uploaded defaults to 0", func(t *testing.T) {
		q := validQuery()
		q.Set("uploaded", "")
		req, err := parseAnnounceRequest(q)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.Uploaded != 0 {
			t.Errorf("uploaded = %d, want 0", req.Uploaded)
		}
	})

	t.Run("zoned ip override", func(t *testing.T) {
		q := validQuery()
		q.Set("ip", "fe80::1%eth0")
		req, _ := parseAnnounceRequest(q)
		if req.IP != netip.MustParseAddr("fe80::1") {
			t.Errorf("ip = %s, want fe80::1", req.IP)
		}
	})

	t.Run("metadata", func(t *testing.T) {
		q := validQuery()
		q.Set("key", "k1")
		q.Set("trackerid", "abc")
		q.Set("no_peer_id", "1")
		q.Set("uploaded", "77")
		req, _ := parseAnnounceRequest(q)
		if req.Key != "k1" || req.TrackerID != "abc" || !req.NoPeerID || req.Uploaded != 77 {
			t.Errorf("req = %+v", req)
		}
	})
}

func TestResolvePeerIP(t *testing.T) {
	tests := []struct {
		name     string
		override netip.Addr
		remote   string
		want     string
		wantErr  bool
	}{
		{"override wins", netip.MustParseAddr("5.6.7.8"), "1.2.3.4:5555", "5.6.7.8", false},
		{"ipv4 remote with port", netip.Addr{}, "1.2.3.4:5555", "1.2.3.4", false},
		{"ipv6 remote with port", netip.Addr{}, "[2001:db8::1]:5555", "2001:db8::1", false},
		{"mapped remote", netip.Addr{}, "[::ffff:1.2.3.4]:5555", "1.2.3.4", false},
		{"bare remote", netip.Addr{}, "88.88.88.88", "88.88.88.88", false},
		{"zoned remote", netip.Addr{}, "[fe80::1%eth0]:5555", "fe80::1", false},
		{"zoned override", netip.MustParseAddr("fe80::2%eth1"), "1.2.3.4:5555", "fe80::2", false},
		{"unparseable remote", netip.Addr{}, "not-an-address", "", true},
		{"empty remote", netip.Addr{}, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, err := resolvePeerIP(tt.override, tt.remote)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedRequest) {
					t.Errorf("error = %v, want ErrMalformedRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ip.String() != tt.want {
				t.Errorf("ip = %s, want %s", ip, tt.want)
			}
		})
	}
}

func newTestService(cfg announceConfig) *AnnounceService {
	return NewAnnounceService(NewRegistry(newFakeClock()), cfg)
}

func announceQuery(t *testing.T, svc *AnnounceService, q url.Values, remote string) AnnounceResponse {
	t.Helper()
	resp, _ := svc.HandleQuery(q.Encode(), remote)
	return resp
}

func TestAnnounce_TwoPeerScenario(t *testing.T) {
	svc := newTestService(announceConfig{interval: 30 * time.Second})

	first := announceQuery(t, svc, validQuery(), "88.88.88.88:40000")
	if first.FailureReason != "" {
		t.Fatalf("failure = %q", first.FailureReason)
	}
	if first.Interval != 30*time.Second {
		t.Errorf("interval = %s, want 30s", first.Interval)
	}
	if len(first.Peers) != 0 {
		t.Errorf("len(peers) = %d, want 0", len(first.Peers))
	}

	q := validQuery()
	q.Set("peer_id", "P2")
	second := announceQuery(t, svc, q, "99.99.99.99:40000")
	if len(second.Peers) != 1 {
		t.Fatalf("len(peers) = %d, want 1", len(second.Peers))
	}
	if got := second.Peers[0]; got.ID != "somepeerid" || got.Addr.String() != "88.88.88.88:9023" {
		t.Errorf("peer = %+v, want somepeerid @ 88.88.88.88:9023", got)
	}

	// third announce repeats the first peer: refreshed, not duplicated
	third := announceQuery(t, svc, validQuery(), "88.88.88.88:40001")
	if len(third.Peers) != 1 || third.Peers[0].ID != "P2" {
		t.Errorf("peers = %+v, want only P2", third.Peers)
	}
	if size := svc.reg.SwarmSize("bobloblawlawblog"); size != 2 {
		t.Errorf("swarm size = %d, want 2", size)
	}
}

func TestAnnounce_MissingLeftFailsInBand(t *testing.T) {
	svc := newTestService(announceConfig{})

	q := validQuery()
	q.Del("left")
	resp, err := svc.HandleQuery(q.Encode(), "88.88.88.88:1")

	if !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("error = %v, want ErrMalformedRequest", err)
	}
	if resp.FailureReason != "malformed request: missing left" {
		t.Errorf("failure reason = %q", resp.FailureReason)
	}
	if resp.Interval != 0 || resp.Peers != nil {
		t.Errorf("failure response carries extra fields: %+v", resp)
	}
	if svc.reg.Len() != 0 {
		t.Error("failed announce must not touch the registry")
	}
}

func TestAnnounce_UnparseableQuery(t *testing.T) {
	svc := newTestService(announceConfig{})

	_, err := svc.HandleQuery("info_hash=%zz", "88.88.88.88:1")

	if !errors.Is(err, errUnparseableQuery) {
		t.Errorf("error = %v, want errUnparseableQuery", err)
	}
}

func TestAnnounce_UnresolvableAddress(t *testing.T) {
	svc := newTestService(announceConfig{})

	resp, err := svc.HandleQuery(validQuery().Encode(), "@pipe")

	if !errors.Is(err, ErrMalformedRequest) {
		t.Errorf("error = %v, want ErrMalformedRequest", err)
	}
	if !strings.Contains(resp.FailureReason, "cannot resolve peer address") {
		t.Errorf("failure reason = %q", resp.FailureReason)
	}
}

func TestAnnounce_UnknownEventWarns(t *testing.T) {
	svc := newTestService(announceConfig{})

	q := validQuery()
	q.Set("event", "paused")
	resp, err := svc.HandleQuery(q.Encode(), "88.88.88.88:1")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.WarningMessage == "" {
		t.Error("expected a warning message")
	}
	if size := svc.reg.SwarmSize("bobloblawlawblog"); size != 1 {
		t.Errorf("swarm size = %d, want 1 (treated as regular update)", size)
	}
}

func TestAnnounce_StoppedRemovesPeer(t *testing.T) {
	svc := newTestService(announceConfig{})

	announceQuery(t, svc, validQuery(), "88.88.88.88:1")
	q := validQuery()
	q.Set("event", "stopped")
	announceQuery(t, svc, q, "88.88.88.88:1")

	if size := svc.reg.SwarmSize("bobloblawlawblog"); size != 0 {
		t.Errorf("swarm size = %d, want 0", size)
	}
}

func TestAnnounce_IPOverride(t *testing.T) {
	svc := newTestService(announceConfig{})

	q := validQuery()
	q.Set("ip", "10.1.2.3")
	announceQuery(t, svc, q, "88.88.88.88:1")

	q2 := validQuery()
	q2.Set("peer_id", "other")
	resp := announceQuery(t, svc, q2, "99.99.99.99:1")
	if len(resp.Peers) != 1 || resp.Peers[0].Addr.String() != "10.1.2.3:9023" {
		t.Errorf("peers = %+v, want 10.1.2.3:9023", resp.Peers)
	}
}

func TestAnnounce_NumWantClamp(t *testing.T) {
	svc := newTestService(announceConfig{maxPeers: 2})

	for _, remote := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1", "10.0.0.4:1"} {
		announceQuery(t, svc, validQuery(), remote)
	}

	q := validQuery()
	q.Set("numwant", "100")
	resp := announceQuery(t, svc, q, "10.0.0.9:1")
	if len(resp.Peers) != 2 {
		t.Errorf("len(peers) = %d, want 2 (server max)", len(resp.Peers))
	}
	if svc.numWant(-1) != 2 {
		t.Errorf("default numwant = %d, want 2", svc.numWant(-1))
	}
}

func TestAnnounce_Defaults(t *testing.T) {
	svc := newTestService(announceConfig{})

	if svc.cfg.interval != defaultAnnounceInterval {
		t.Errorf("interval = %s, want %s", svc.cfg.interval, defaultAnnounceInterval)
	}
	if svc.numWant(-1) != defaultNumWant {
		t.Errorf("numwant = %d, want %d", svc.numWant(-1), defaultNumWant)
	}
	if svc.numWant(0) != 0 {
		t.Errorf("numwant(0) = %d, want 0", svc.numWant(0))
	}
}

func TestAnnounce_TrackerID(t *testing.T) {
	t.Run("echoes client token", func(t *testing.T) {
		svc := newTestService(announceConfig{issueTrackerID: true})
		q := validQuery()
		q.Set("trackerid", "abc123")
		resp := announceQuery(t, svc, q, "88.88.88.88:1")
		if resp.TrackerID != "abc123" {
			t.Errorf("tracker id = %q, want abc123", resp.TrackerID)
		}
	})

	t.Run("issues token when enabled", func(t *testing.T) {
		svc := newTestService(announceConfig{issueTrackerID: true})
		resp := announceQuery(t, svc, validQuery(), "88.88.88.88:1")
		if len(resp.TrackerID) != 36 {
			t.Errorf("tracker id = %q, want a UUID", resp.TrackerID)
		}
	})

	t.Run("omitted when disabled", func(t *testing.T) {
		svc := newTestService(announceConfig{})
		resp := announceQuery(t, svc, validQuery(), "88.88.88.88:1")
		if resp.TrackerID != "" {
			t.Errorf("tracker id = %q, want empty", resp.TrackerID)
		}
	})
}

func TestAnnounce_IPv6ZoneDoesNotSplitPeer(t *testing.T) {
	svc := newTestService(announceConfig{})

	for _, ip := range []string{"fe80::1%eth0", "fe80::1"} {
		q := validQuery()
		q.Set("ip", ip)
		q.Set("port", "1")
		announceQuery(t, svc, q, "88.88.88.88:1")
	}
	if size := svc.reg.SwarmSize("bobloblawlawblog"); size != 1 {
		t.Errorf("swarm size = %d, want 1", size)
	}

	q := validQuery()
	q.Set("peer_id", "other")
	resp := announceQuery(t, svc, q, "99.99.99.99:1")
	if len(resp.Peers) != 1 || resp.Peers[0].Addr.String() != "[fe80::1]:1" {
		t.Errorf("peers = %+v, want [fe80::1]:1", resp.Peers)
	}
}
