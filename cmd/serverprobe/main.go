// Command serverprobe queries game servers once and prints both the raw
// status fields and the normalized record the panel would publish.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bnt0p/st-poor-webpanel/config"
	"github.com/bnt0p/st-poor-webpanel/query"
	"github.com/bnt0p/st-poor-webpanel/status"
)

func main() {
	protocol := flag.String("protocol", config.ProtocolA2S, "status protocol (a2s or quake3)")
	timeout := flag.Duration("timeout", status.DefaultProbeTimeout, "per-server timeout")
	offset := flag.Int("capacity-offset", status.DefaultCapacityOffset, "slots subtracted from max players")
	raw := flag.Bool("raw", false, "also print the raw key/value reply")
	flag.Parse()

	var q query.Querier
	switch *protocol {
	case config.ProtocolA2S:
		q = query.A2S{}
	case config.ProtocolQuake3:
		q = query.Quake3{}
	default:
		fmt.Fprintf(os.Stderr, "unknown protocol %q\n", *protocol)
		os.Exit(2)
	}
	prober := status.NewProber(*timeout, *offset, nil)

	probe := func(addr string) {
		host, port, err := config.SplitHostPort(addr)
		if err != nil {
			fmt.Println(err)
			return
		}
		target := status.Target{Host: host, Port: port, Protocol: *protocol}
		if *raw {
			ctx, cancel := context.WithTimeout(context.Background(), *timeout)
			info, err := q.Query(ctx, target.Address())
			cancel()
			if err != nil {
				fmt.Printf("%s raw: %v\n", target.Address(), err)
			} else {
				printInfo(info)
			}
		}
		rec := prober.Probe(context.Background(), target)
		if rec.OK {
			fmt.Printf("%s -> %q map=%s players=%d/%d\n", target.Address(), rec.ServerName, rec.Map, rec.PlayersConnected, rec.TotalPlayers)
			return
		}
		fmt.Printf("%s -> unreachable (%s)\n", target.Address(), rec.Error)
	}

	if flag.NArg() > 0 {
		for _, addr := range flag.Args() {
			probe(addr)
		}
		return
	}

	fmt.Println("enter host:port (Ctrl+C to quit)")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if addr := strings.TrimSpace(scanner.Text()); addr != "" {
			probe(addr)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "input error: %v\n", err)
	}
}

func printInfo(info query.Info) {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-14s %s\n", k, info[k])
	}
}
