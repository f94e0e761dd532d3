package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/bnt0p/st-poor-webpanel/avatar"
	"github.com/bnt0p/st-poor-webpanel/config"
	"github.com/bnt0p/st-poor-webpanel/httpapi"
	"github.com/bnt0p/st-poor-webpanel/hub"
	"github.com/bnt0p/st-poor-webpanel/metrics"
	"github.com/bnt0p/st-poor-webpanel/mqttfeed"
	"github.com/bnt0p/st-poor-webpanel/status"
	"github.com/bnt0p/st-poor-webpanel/telnet"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

const (
	envConfigPath     = "STPW_CONFIG_PATH"
	defaultConfigPath = "data/config/runtime.yaml"
)

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// configPath prefers STPW_CONFIG_PATH over the default location. A missing
// file is fine: config.Load falls back to defaults plus environment.
func configPath() string {
	if p := strings.TrimSpace(os.Getenv(envConfigPath)); p != "" {
		return p
	}
	return defaultConfigPath
}

func main() {
	if err := run(); err != nil {
		log.Printf("Fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Logging: file sink disabled: %v", logErr)
	}

	var dash *dashboard
	switch {
	case cfg.UI.Mode != "tview":
		log.Printf("UI disabled (mode=%s)", cfg.UI.Mode)
	case !isStdoutTTY():
		log.Printf("UI disabled (tview requires an interactive console)")
	default:
		dash = newDashboard(true)
		dash.WaitReady()
		defer dash.Stop()
		fanout.SetConsoleSink(dash.SystemWriter())
		dash.SetStats([]string{"Initializing..."})
	}

	log.Printf("st-poor-webpanel v%s starting...", Version)
	if cfg.LoadedFrom != "" {
		log.Printf("Loaded configuration from %s", cfg.LoadedFrom)
	} else {
		log.Printf("No config file at %s; using defaults and environment", configPath())
	}
	if dash == nil {
		cfg.Print()
	}

	m := metrics.New()

	targets, err := status.TargetsFromConfig(cfg.Targets)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		log.Printf("Status: no targets configured; snapshots will be empty (set SERVER_LIST or targets)")
	}
	prober := status.NewProber(
		time.Duration(cfg.Poll.ProbeTimeoutMS)*time.Millisecond,
		*cfg.Poll.CapacityOffset,
		m,
	)
	aggregator := status.NewAggregator(prober, targets, m)
	registry := hub.NewRegistry()
	loop := hub.NewLoop(aggregator, registry,
		time.Duration(cfg.Poll.IntervalMS)*time.Millisecond,
		time.Duration(cfg.Poll.PingIntervalSec)*time.Second,
		m)
	if dash != nil {
		loop.AddSink(dash)
	}

	store, err := avatar.OpenStore(cfg.Avatar.Backend, cfg.Avatar.Path)
	if err != nil {
		return fmt.Errorf("opening avatar cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Avatar: close store: %v", err)
		}
	}()
	log.Printf("Avatar: %s cache at %s", cfg.Avatar.Backend, cfg.Avatar.Path)
	steam := avatar.NewSteamClient(cfg.Avatar.SteamEndpoint, cfg.Avatar.SteamAPIKey,
		time.Duration(cfg.Avatar.SteamTimeoutSec)*time.Second, cfg.Avatar.SteamRatePerSec)
	if !steam.Configured() {
		log.Printf("Avatar: %s not set; uncached avatar lookups will fail", config.EnvSteamKey)
	}
	resolver := avatar.NewResolver(store, steam, time.Duration(cfg.Avatar.TTLSeconds)*time.Second, m)

	var publisher *mqttfeed.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqttfeed.NewPublisher(cfg.MQTT)
		if err := publisher.Connect(); err != nil {
			// Auto-reconnect only covers sessions that connected once.
			log.Printf("MQTT: %v; snapshot publishing disabled", err)
			publisher = nil
		} else {
			loop.AddSink(publisher)
			defer publisher.Stop()
		}
	}

	var feed *telnet.Server
	if cfg.Telnet.Enabled {
		feed = telnet.NewServer(cfg.Telnet.Port, cfg.Telnet.MaxConnections, loop)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return loop.Run(ctx) })
	api := httpapi.New(aggregator, loop, resolver, m)
	g.Go(func() error { return api.Run(ctx, cfg.Server.Listen) })
	if feed != nil {
		g.Go(func() error { return feed.Run(ctx) })
	}
	src := statsSources{aggregator: aggregator, loop: loop, telnet: feed, mqtt: publisher, logs: fanout}
	if counter, ok := store.(entryCounter); ok {
		src.avatars = counter
	}
	g.Go(func() error {
		return runStatsLoop(ctx, time.Duration(cfg.Stats.IntervalSeconds)*time.Second, src, dash, fanout)
	})

	log.Printf("Panel is running on %s with %d target(s). Press Ctrl+C to stop.", cfg.Server.Listen, len(targets))
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Println("Shutting down gracefully...")
	return nil
}
