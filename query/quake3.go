package query

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
)

var (
	quake3Request  = []byte("\xff\xff\xff\xffgetstatus\n")
	quake3Response = []byte("\xff\xff\xff\xffstatusResponse")
)

// Quake3 queries id Tech 3 servers (Quake III, RTCW, ET) with getstatus.
type Quake3 struct{}

// Query sends getstatus and parses the \key\value info line plus the
// player lines that follow it.
func (Quake3) Query(ctx context.Context, addr string) (Info, error) {
	conn, release, err := dialUDP(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer release()

	reply, err := exchange(ctx, conn, quake3Request)
	if err != nil {
		return nil, err
	}
	return parseQuake3Status(reply)
}

func parseQuake3Status(packet []byte) (Info, error) {
	if !bytes.HasPrefix(packet, quake3Response) {
		return nil, errors.New("quake3: not a statusResponse")
	}
	lines := strings.Split(string(packet[len(quake3Response):]), "\n")
	// lines[0] is the remainder of the header line.
	if len(lines) < 2 {
		return nil, errors.New("quake3: missing info string")
	}

	info := Info{}
	keyValues := strings.Split(strings.TrimPrefix(lines[1], "\\"), "\\")
	for i := 0; i+1 < len(keyValues); i += 2 {
		k := strings.ToLower(keyValues[i])
		if k == "" {
			continue
		}
		info[k] = keyValues[i+1]
	}
	if host, ok := info["sv_hostname"]; ok {
		info["sv_hostname"] = stripColors(host)
	}

	clients, bots := 0, 0
	for _, line := range lines[2:] {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// "<score> <ping> \"name\""; a zero ping marks a bot.
		if fields[1] == "0" {
			bots++
		} else {
			clients++
		}
	}
	info["clients"] = strconv.Itoa(clients)
	info["bots"] = strconv.Itoa(bots)
	return info, nil
}

// stripColors removes ^N color escapes from a Quake3 string.
func stripColors(s string) string {
	if !strings.Contains(s, "^") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '^' && i+1 < len(s) && s[i+1] != '^' {
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
