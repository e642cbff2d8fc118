package main

import (
	"errors"
	"time"
)

// Protocol constants for the HTTP Tracker Protocol (BEP 3, BEP 7, BEP 23)
// https://bittorrent.org/beps/bep_0003.html
const (
	defaultAnnounceInterval = 30 * time.Second // interval handed to clients
	defaultNumWant          = 50               // peers returned when client doesn't specify
	staleIntervals          = 3                // peer TTL in announce intervals (two missed announces)

	compactPeerSizeV4 = 6  // IPv4:4 + port:2
	compactPeerSizeV6 = 18 // IPv6:16 + port:2

	shutdownTimeout = 30 * time.Second
)

// Response dictionary keys
const (
	keyFailureReason  = "failure reason"
	keyWarningMessage = "warning message"
	keyInterval       = "interval"
	keyMinInterval    = "min interval"
	keyTrackerID      = "tracker id"
	keyComplete       = "complete"
	keyIncomplete     = "incomplete"
	keyPeers          = "peers"
	keyPeers6         = "peers6"
	keyPeerID         = "peer id"
	keyIP             = "ip"
	keyPort           = "port"
)

// internalFailure is the failure reason sent when the tracker itself broke.
const internalFailure = "internal server error"

// ClientError is a failure caused by the announcing client. Its text is sent
// back in-band as the failure reason.
type ClientError string

func (e ClientError) Error() string { return string(e) }

// ErrMalformedRequest is returned when an announce is missing a required
// parameter or carries one that cannot be used.
var ErrMalformedRequest = ClientError("malformed request")

// errUnparseableQuery marks a query string that is not even a valid
// x-www-form-urlencoded string. It is answered at the transport level.
var errUnparseableQuery = errors.New("unparseable query string")

// Clock supplies the current time for staleness decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
