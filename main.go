package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

var version = "dev"

// debugEnabled is an atomic boolean for thread-safe debug toggle
var debugEnabled atomic.Bool

// Hot path callers should check debugEnabled.Load() first
// to avoid expensive argument evaluation (e.g., InfoHash.String()).
// This function provides a safety check for non-hot-path calls.
func debug(format string, v ...any) {
	if debugEnabled.Load() {
		log.Printf("[DEBUG] "+format, v...)
	}
}

func info(format string, v ...any) {
	log.Printf("[INFO] "+format, v...)
}

func warn(format string, v ...any) {
	log.Printf("[WARN] "+format, v...)
}

func errorLog(format string, v ...any) {
	log.Printf("[ERROR] "+format, v...)
}

//nolint:govet // Field alignment is acceptable
type config struct {
	port           int
	interval       time.Duration
	minInterval    time.Duration
	maxPeers       int
	peerTTL        time.Duration
	pruneEvery     time.Duration
	tlsCert        string
	tlsKey         string
	trustProxy     bool
	issueTrackerID bool
	mdns           bool
	http3          bool
	showVersion    bool
	debug          bool
}

// ttl is how long a peer survives without announcing.
func (c config) ttl() time.Duration {
	if c.peerTTL > 0 {
		return c.peerTTL
	}
	return staleIntervals * c.announceInterval()
}

// pruneInterval is how often stale peers are swept.
func (c config) pruneInterval() time.Duration {
	if c.pruneEvery > 0 {
		return c.pruneEvery
	}
	return c.announceInterval()
}

func (c config) announceInterval() time.Duration {
	if c.interval > 0 {
		return c.interval
	}
	return defaultAnnounceInterval
}

func (c config) tlsEnabled() bool {
	return c.tlsCert != "" && c.tlsKey != ""
}

func (c config) validate() error {
	if c.port <= 0 || c.port > 65535 {
		return fmt.Errorf("invalid port %d", c.port)
	}
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("-tls-cert and -tls-key must be set together")
	}
	if c.http3 && !c.tlsEnabled() {
		return errors.New("-http3 requires -tls-cert and -tls-key")
	}
	if c.minInterval > c.announceInterval() {
		return fmt.Errorf("min interval %s exceeds interval %s", c.minInterval, c.announceInterval())
	}
	return nil
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(name)); err == nil && d >= 0 {
		return d
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(name)); err == nil && n > 0 {
		return n
	}
	return fallback
}

// parseFlags parses command-line flags and returns configuration.
// Default values are read from environment variables:
//   - SUNFLOWER__PORT: default port (must be > 0)
//   - SUNFLOWER__INTERVAL, SUNFLOWER__MIN_INTERVAL: announce intervals (Go durations)
//   - SUNFLOWER__MAX_PEERS: most peers handed out per announce
//   - SUNFLOWER__PEER_TTL, SUNFLOWER__PRUNE_INTERVAL: stale peer expiry
//   - SUNFLOWER__TLS_CERT, SUNFLOWER__TLS_KEY: serve HTTPS
//   - SUNFLOWER__TRUST_PROXY, SUNFLOWER__TRACKER_ID, SUNFLOWER__MDNS, SUNFLOWER__HTTP3: toggles if set
//   - DEBUG: enables debug mode if set
func parseFlags(args []string) config {
	defaultPort := envInt("SUNFLOWER__PORT", 6969)
	defaultMaxPeers := envInt("SUNFLOWER__MAX_PEERS", defaultNumWant)
	defaultInterval := envDuration("SUNFLOWER__INTERVAL", defaultAnnounceInterval)
	defaultMinInterval := envDuration("SUNFLOWER__MIN_INTERVAL", 0)
	defaultTTL := envDuration("SUNFLOWER__PEER_TTL", 0)
	defaultPrune := envDuration("SUNFLOWER__PRUNE_INTERVAL", 0)

	debugDefault := os.Getenv("DEBUG") != ""

	fs := flag.NewFlagSet("sunflower", flag.ExitOnError)
	port := fs.Int("port", defaultPort, "port to listen on [env SUNFLOWER__PORT]")
	fs.IntVar(port, "p", defaultPort, "alias to -port")

	interval := fs.Duration("interval", defaultInterval, "announce interval sent to clients [env SUNFLOWER__INTERVAL]")
	fs.DurationVar(interval, "i", defaultInterval, "alias to -interval")

	minInterval := fs.Duration("min-interval", defaultMinInterval,
		"minimum announce interval, 0 to omit [env SUNFLOWER__MIN_INTERVAL]")
	maxPeers := fs.Int("max-peers", defaultMaxPeers, "most peers returned per announce [env SUNFLOWER__MAX_PEERS]")
	peerTTL := fs.Duration("peer-ttl", defaultTTL,
		"drop peers silent for this long, 0 for 3x interval [env SUNFLOWER__PEER_TTL]")
	pruneEvery := fs.Duration("prune-interval", defaultPrune,
		"how often to sweep stale peers, 0 for interval [env SUNFLOWER__PRUNE_INTERVAL]")

	tlsCert := fs.String("tls-cert", os.Getenv("SUNFLOWER__TLS_CERT"), "TLS certificate file [env SUNFLOWER__TLS_CERT]")
	tlsKey := fs.String("tls-key", os.Getenv("SUNFLOWER__TLS_KEY"), "TLS key file [env SUNFLOWER__TLS_KEY]")

	trustProxy := fs.Bool("trust-proxy", os.Getenv("SUNFLOWER__TRUST_PROXY") != "",
		"take the peer address from X-Forwarded-For [env SUNFLOWER__TRUST_PROXY]")
	issueTrackerID := fs.Bool("tracker-id", os.Getenv("SUNFLOWER__TRACKER_ID") != "",
		"hand out a tracker id to clients that have none [env SUNFLOWER__TRACKER_ID]")
	mdns := fs.Bool("mdns", os.Getenv("SUNFLOWER__MDNS") != "",
		"advertise the tracker on the local network [env SUNFLOWER__MDNS]")
	h3 := fs.Bool("http3", os.Getenv("SUNFLOWER__HTTP3") != "",
		"also serve HTTP/3 over QUIC, requires TLS [env SUNFLOWER__HTTP3]")

	debug := fs.Bool("debug", debugDefault, "enable debug logs [env DEBUG]")
	fs.BoolVar(debug, "d", debugDefault, "alias to -debug")

	showVersion := fs.Bool("version", false, "print version")
	fs.BoolVar(showVersion, "v", false, "alias to -version")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nSunflower Tracker: %s\nBitTorrent Tracker (HTTP)\n\n", version)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
	}

	// With ExitOnError, flag package exits on error
	//nolint:errcheck // parsing error will exit
	_ = fs.Parse(args)

	return config{
		port:           *port,
		interval:       *interval,
		minInterval:    *minInterval,
		maxPeers:       *maxPeers,
		peerTTL:        *peerTTL,
		pruneEvery:     *pruneEvery,
		tlsCert:        *tlsCert,
		tlsKey:         *tlsKey,
		trustProxy:     *trustProxy,
		issueTrackerID: *issueTrackerID,
		mdns:           *mdns,
		http3:          *h3,
		showVersion:    *showVersion,
		debug:          *debug,
	}
}

func main() {
	cfg := parseFlags(os.Args[1:])

	if cfg.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := cfg.validate(); err != nil {
		log.Fatalf("[ERROR] Invalid configuration: %v", err)
	}

	debugEnabled.Store(cfg.debug)

	srv := NewServer(cfg)

	ctx, stop := setupSignalHandling()
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[ERROR] Server error: %v", err)
	}
}
