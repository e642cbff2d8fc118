package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"net/url"
	"time"

	"github.com/jackpal/bencode-go"
)

// decodeAnnounceQuery parses a raw announce query string. A string that is
// not valid form encoding wraps errUnparseableQuery; anything else that is
// wrong with it wraps ErrMalformedRequest.
func decodeAnnounceQuery(rawQuery string) (AnnounceRequest, error) {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return AnnounceRequest{}, fmt.Errorf("%w: %v", errUnparseableQuery, err)
	}
	return parseAnnounceRequest(q)
}

// encodeAnnounceResponse writes resp as a bencoded dictionary.
// Optional fields are left out when unset; a failure carries nothing else.
func encodeAnnounceResponse(w io.Writer, resp AnnounceResponse) error {
	return bencode.Marshal(w, responseDict(resp))
}

func responseDict(resp AnnounceResponse) map[string]any {
	if resp.FailureReason != "" {
		return map[string]any{keyFailureReason: resp.FailureReason}
	}

	d := map[string]any{
		keyInterval:   int64(resp.Interval / time.Second),
		keyComplete:   int64(resp.Complete),
		keyIncomplete: int64(resp.Incomplete),
	}
	if resp.MinInterval > 0 {
		d[keyMinInterval] = int64(resp.MinInterval / time.Second)
	}
	if resp.TrackerID != "" {
		d[keyTrackerID] = resp.TrackerID
	}
	if resp.WarningMessage != "" {
		d[keyWarningMessage] = resp.WarningMessage
	}

	if resp.Compact {
		v4, v6 := compactPeers(resp.Peers)
		d[keyPeers] = string(v4)
		if len(v6) > 0 {
			d[keyPeers6] = string(v6)
		}
		return d
	}

	peers := make([]any, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		entry := map[string]any{
			keyIP:   p.Addr.Addr().String(),
			keyPort: int64(p.Addr.Port()),
		}
		if !resp.NoPeerID {
			entry[keyPeerID] = p.ID
		}
		peers = append(peers, entry)
	}
	d[keyPeers] = peers
	return d
}

// compactPeers packs peers into BEP 23 records: 4 byte IPv4 + 2 byte port,
// and BEP 7 records for IPv6: 16 byte address + 2 byte port. Big-endian.
func compactPeers(peers []PeerInfo) (v4, v6 []byte) {
	for _, p := range peers {
		ip := p.Addr.Addr()
		if ip.Is4() {
			a := ip.As4()
			v4 = append(v4, a[:]...)
			v4 = binary.BigEndian.AppendUint16(v4, p.Addr.Port())
		} else {
			a := ip.As16()
			v6 = append(v6, a[:]...)
			v6 = binary.BigEndian.AppendUint16(v6, p.Addr.Port())
		}
	}
	return v4, v6
}

// decodeAnnounceResponse is the inverse of encodeAnnounceResponse.
// It accepts both the dictionary list and the compact peer forms.
func decodeAnnounceResponse(body []byte) (AnnounceResponse, error) {
	v, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("decode response: %w", err)
	}
	d, ok := v.(map[string]any)
	if !ok {
		return AnnounceResponse{}, fmt.Errorf("decode response: top level is %T, want dictionary", v)
	}

	var resp AnnounceResponse
	if s, ok := d[keyFailureReason].(string); ok {
		resp.FailureReason = s
		return resp, nil
	}
	resp.WarningMessage, _ = d[keyWarningMessage].(string)
	resp.TrackerID, _ = d[keyTrackerID].(string)
	if n, ok := d[keyInterval].(int64); ok {
		resp.Interval = time.Duration(n) * time.Second
	}
	if n, ok := d[keyMinInterval].(int64); ok {
		resp.MinInterval = time.Duration(n) * time.Second
	}
	if n, ok := d[keyComplete].(int64); ok {
		resp.Complete = int(n)
	}
	if n, ok := d[keyIncomplete].(int64); ok {
		resp.Incomplete = int(n)
	}

	switch peers := d[keyPeers].(type) {
	case string:
		resp.Compact = true
		if resp.Peers, err = parseCompactPeers([]byte(peers), compactPeerSizeV4); err != nil {
			return AnnounceResponse{}, err
		}
	case []any:
		resp.Peers = make([]PeerInfo, 0, len(peers))
		for i, raw := range peers {
			p, err := parsePeerDict(raw)
			if err != nil {
				return AnnounceResponse{}, fmt.Errorf("decode peer %d: %w", i, err)
			}
			resp.Peers = append(resp.Peers, p)
		}
	}
	if peers6, ok := d[keyPeers6].(string); ok {
		v6, err := parseCompactPeers([]byte(peers6), compactPeerSizeV6)
		if err != nil {
			return AnnounceResponse{}, err
		}
		resp.Peers = append(resp.Peers, v6...)
	}
	return resp, nil
}

func parsePeerDict(raw any) (PeerInfo, error) {
	d, ok := raw.(map[string]any)
	if !ok {
		return PeerInfo{}, fmt.Errorf("peer is %T, want dictionary", raw)
	}
	ipStr, _ := d[keyIP].(string)
	ip, err := netip.ParseAddr(ipStr)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("invalid ip %q: %w", ipStr, err)
	}
	port, ok := d[keyPort].(int64)
	if !ok || port < 0 || port > 65535 {
		return PeerInfo{}, fmt.Errorf("invalid port %v", d[keyPort])
	}
	id, _ := d[keyPeerID].(string)
	return PeerInfo{ID: id, Addr: NewPeerKey(ip, uint16(port))}, nil
}

func parseCompactPeers(b []byte, size int) ([]PeerInfo, error) {
	if len(b)%size != 0 {
		return nil, fmt.Errorf("compact peers length %d is not a multiple of %d", len(b), size)
	}
	peers := make([]PeerInfo, 0, len(b)/size)
	for i := 0; i < len(b); i += size {
		ip, _ := netip.AddrFromSlice(b[i : i+size-2])
		port := binary.BigEndian.Uint16(b[i+size-2 : i+size])
		peers = append(peers, PeerInfo{Addr: netip.AddrPortFrom(ip, port)})
	}
	return peers, nil
}
