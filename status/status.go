// Package status probes configured game servers and assembles the
// timestamped snapshot that the hub pushes to subscribers.
//
// Purpose: turn unreliable per-target status queries into one ordered,
// always-complete view of every configured server.
// Key aspects: probes never fail outward; a target that times out or
// errors is still represented by a failure record in its configured slot.
// Upstream: config targets, query protocols.
// Downstream: hub.Loop, httpapi /servers/list, the console dashboard.
package status

import (
	"fmt"
	"net"
	"strconv"

	"github.com/bnt0p/st-poor-webpanel/config"
)

// Target identifies one monitored server. Identity is (Host, Port).
type Target struct {
	Host     string
	Port     int
	Protocol string
}

// Address returns "host:port".
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Record is the normalized status of one target for one poll.
type Record struct {
	OK               bool   `json:"ok"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	ServerName       string `json:"serverName"`
	Map              string `json:"map"`
	PlayersConnected int    `json:"playersConnected"`
	TotalPlayers     int    `json:"totalPlayers"`
	Error            string `json:"error,omitempty"`
}

// Snapshot holds one record per target in configuration order. TS is
// milliseconds since the epoch.
type Snapshot struct {
	TS      int64    `json:"ts"`
	Servers []Record `json:"servers"`
}

// Online counts records with OK set.
func (s *Snapshot) Online() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, r := range s.Servers {
		if r.OK {
			n++
		}
	}
	return n
}

// Players sums playersConnected across reachable servers.
func (s *Snapshot) Players() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, r := range s.Servers {
		if r.OK {
			n += r.PlayersConnected
		}
	}
	return n
}

// TargetsFromConfig converts validated config entries into targets.
func TargetsFromConfig(entries []config.Target) ([]Target, error) {
	targets := make([]Target, 0, len(entries))
	for i, e := range entries {
		host, port, err := config.SplitHostPort(e.Address)
		if err != nil {
			return nil, fmt.Errorf("status: targets[%d]: %w", i, err)
		}
		protocol := e.Protocol
		if protocol == "" {
			protocol = config.ProtocolA2S
		}
		targets = append(targets, Target{Host: host, Port: port, Protocol: protocol})
	}
	return targets, nil
}
