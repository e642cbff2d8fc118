package main

import (
	"fmt"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsInstance = "Sunflower-Tracker"
	mdnsService  = "_bittorrent-tracker._tcp"
	mdnsDomain   = "local."
)

// publishService advertises the tracker on the local network so LAN clients
// (and the benchmark tool) can find it without configuration.
func publishService(port int) (*zeroconf.Server, error) {
	txt := []string{"path=/announce", "version=" + version}
	server, err := zeroconf.Register(mdnsInstance, mdnsService, mdnsDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("could not register service: %w", err)
	}
	return server, nil
}
