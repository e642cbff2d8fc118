package main

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AnnounceRequest holds the validated parameters of an announce.
//
//nolint:govet // Field alignment is acceptable
type AnnounceRequest struct {
	InfoHash   InfoHash
	PeerID     string
	Key        string
	TrackerID  string
	Warning    string     // set when a recoverable oddity was found while parsing
	IP         netip.Addr // client asserted address, zero if absent or invalid
	Downloaded uint64
	Uploaded   uint64
	Left       uint64
	NumWant    int // -1 when the client didn't ask for a specific amount
	Port       uint16
	Event      Event
	Compact    bool
	NoPeerID   bool
}

// AnnounceResponse is the record encoded back to the client.
// A non-empty FailureReason short-circuits every other field.
//
//nolint:govet // Field alignment is acceptable
type AnnounceResponse struct {
	FailureReason  string
	WarningMessage string
	TrackerID      string
	Peers          []PeerInfo
	Interval       time.Duration
	MinInterval    time.Duration
	Complete       int
	Incomplete     int
	Compact        bool
	NoPeerID       bool
}

func failureResponse(reason string) AnnounceResponse {
	return AnnounceResponse{FailureReason: reason}
}

func malformed(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, fmt.Sprintf(format, v...))
}

// parseAnnounceRequest validates the query parameters of an announce.
// Errors wrap ErrMalformedRequest.
func parseAnnounceRequest(q url.Values) (AnnounceRequest, error) {
	req := AnnounceRequest{NumWant: -1}

	req.InfoHash = InfoHash(q.Get("info_hash"))
	if req.InfoHash == "" {
		return AnnounceRequest{}, malformed("missing info_hash")
	}

	req.PeerID = q.Get("peer_id")
	if req.PeerID == "" {
		return AnnounceRequest{}, malformed("missing peer_id")
	}

	port, err := requiredUint(q, "port", 16)
	if err != nil {
		return AnnounceRequest{}, err
	}
	if port == 0 {
		return AnnounceRequest{}, malformed("port cannot be 0")
	}
	req.Port = uint16(port)

	if req.Downloaded, err = requiredUint(q, "downloaded", 64); err != nil {
		return AnnounceRequest{}, err
	}
	if req.Left, err = requiredUint(q, "left", 64); err != nil {
		return AnnounceRequest{}, err
	}
	if q.Get("uploaded") != "" {
		if req.Uploaded, err = requiredUint(q, "uploaded", 64); err != nil {
			return AnnounceRequest{}, err
		}
	}

	switch ev := q.Get("event"); ev {
	case "", "empty":
		req.Event = EventNone
	case "started":
		req.Event = EventStarted
	case "completed":
		req.Event = EventCompleted
	case "stopped":
		req.Event = EventStopped
	default:
		req.Event = EventNone
		req.Warning = fmt.Sprintf("unknown event %q treated as a regular update", ev)
	}

	req.Compact = truthy(q.Get("compact"))
	req.NoPeerID = truthy(q.Get("no_peer_id"))

	// numwant is advisory: garbage falls back to the default
	if n, err := strconv.Atoi(q.Get("numwant")); err == nil && n >= 0 {
		req.NumWant = n
	}

	if ip, err := netip.ParseAddr(q.Get("ip")); err == nil {
		req.IP = normalizeIP(ip)
	}

	req.Key = q.Get("key")
	req.TrackerID = q.Get("trackerid")
	return req, nil
}

func requiredUint(q url.Values, name string, bits int) (uint64, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, malformed("missing %s", name)
	}
	v, err := strconv.ParseUint(raw, 10, bits)
	if err != nil {
		return 0, malformed("invalid %s", name)
	}
	return v, nil
}

func truthy(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// resolvePeerIP picks the address other peers should dial: a valid ip
// override first, then the transport remote address with any port stripped.
func resolvePeerIP(override netip.Addr, remoteAddr string) (netip.Addr, error) {
	if override.IsValid() {
		return normalizeIP(override), nil
	}
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return normalizeIP(ap.Addr()), nil
	}
	if ip, err := netip.ParseAddr(remoteAddr); err == nil {
		return normalizeIP(ip), nil
	}
	return netip.Addr{}, malformed("cannot resolve peer address %q", remoteAddr)
}

type announceConfig struct {
	interval       time.Duration
	minInterval    time.Duration
	maxPeers       int
	issueTrackerID bool
}

// AnnounceService validates announces, applies them to the registry and
// assembles the response record.
type AnnounceService struct {
	reg *Registry
	cfg announceConfig
}

func NewAnnounceService(reg *Registry, cfg announceConfig) *AnnounceService {
	if cfg.interval <= 0 {
		cfg.interval = defaultAnnounceInterval
	}
	if cfg.maxPeers <= 0 {
		cfg.maxPeers = defaultNumWant
	}
	return &AnnounceService{reg: reg, cfg: cfg}
}

// numWant clamps the client's request to the server maximum.
func (s *AnnounceService) numWant(requested int) int {
	if requested < 0 {
		return min(defaultNumWant, s.cfg.maxPeers)
	}
	return min(requested, s.cfg.maxPeers)
}

// Announce runs one validated announce exchange.
func (s *AnnounceService) Announce(req AnnounceRequest, remoteAddr string) (AnnounceResponse, error) {
	ip, err := resolvePeerIP(req.IP, remoteAddr)
	if err != nil {
		return failureResponse(err.Error()), err
	}

	key := NewPeerKey(ip, req.Port)
	numWant := s.numWant(req.NumWant)
	if debugEnabled.Load() {
		debug("announce from %s: info_hash=%s peer_id=%q event=%s left=%d num_want=%d",
			key, req.InfoHash.String(), req.PeerID, req.Event, req.Left, numWant)
	}

	snap := s.reg.Upsert(req.InfoHash, Peer{
		ID:         req.PeerID,
		Addr:       key,
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
	}, req.Event, numWant)

	resp := AnnounceResponse{
		WarningMessage: req.Warning,
		TrackerID:      s.trackerID(req.TrackerID),
		Peers:          snap.Peers,
		Interval:       s.cfg.interval,
		MinInterval:    s.cfg.minInterval,
		Complete:       snap.Complete,
		Incomplete:     snap.Incomplete,
		Compact:        req.Compact,
		NoPeerID:       req.NoPeerID,
	}
	if debugEnabled.Load() {
		debug("returning %d seeders, %d leechers, %d peers", snap.Complete, snap.Incomplete, len(snap.Peers))
	}
	return resp, nil
}

// trackerID echoes the client's token, or issues one when configured to.
func (s *AnnounceService) trackerID(fromClient string) string {
	if fromClient != "" {
		return fromClient
	}
	if s.cfg.issueTrackerID {
		return uuid.NewString()
	}
	return ""
}

// HandleQuery decodes and runs an announce from a raw query string.
// Validation problems come back as an in-band failure response together
// with the error; only an unparseable query string is returned bare.
func (s *AnnounceService) HandleQuery(rawQuery, remoteAddr string) (AnnounceResponse, error) {
	req, err := decodeAnnounceQuery(rawQuery)
	if err != nil {
		if errors.Is(err, errUnparseableQuery) {
			return AnnounceResponse{}, err
		}
		return failureResponse(err.Error()), err
	}
	return s.Announce(req, remoteAddr)
}
