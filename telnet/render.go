package telnet

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bnt0p/st-poor-webpanel/status"
)

const (
	nameWidth = 28
	mapWidth  = 18
	addrWidth = 21
)

// renderSnapshot formats snap as a fixed-width table with CRLF line endings.
func renderSnapshot(snap *status.Snapshot) string {
	if snap == nil {
		return ""
	}
	var b strings.Builder
	ts := time.UnixMilli(snap.TS).UTC().Format("2006-01-02 15:04:05Z")
	fmt.Fprintf(&b, "%s  online %d/%d  players %d\r\n", ts, snap.Online(), len(snap.Servers), snap.Players())
	fmt.Fprintf(&b, "   %-*s %-*s %-*s %s\r\n", addrWidth, "ADDRESS", nameWidth, "NAME", mapWidth, "MAP", "PLAYERS")
	for _, r := range snap.Servers {
		mark := "UP"
		players := fmt.Sprintf("%d/%d", r.PlayersConnected, r.TotalPlayers)
		if !r.OK {
			mark = "--"
			players = r.Error
		}
		addr := net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
		fmt.Fprintf(&b, "%s %-*s %-*s %-*s %s\r\n", mark,
			addrWidth, clip(addr, addrWidth),
			nameWidth, clip(r.ServerName, nameWidth),
			mapWidth, clip(r.Map, mapWidth),
			players)
	}
	return b.String()
}

// clip truncates s to width runes and strips control characters so server
// names cannot inject terminal escapes.
func clip(s string, width int) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		out = append(out, r)
	}
	if len(out) > width {
		out = append(out[:width-1], '~')
	}
	return string(out)
}
