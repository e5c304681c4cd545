package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"nextsession/internal/config"
	"nextsession/internal/countdown"
	"nextsession/internal/feed"
	appLog "nextsession/internal/log"
	"nextsession/internal/tracker"
	"nextsession/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	appLog.Info("nextsession starting", "version", "0.1.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.debug {
		conf.LogLevel = "debug"
		conf.CacheDir = "./cache/feed-cache"
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"tick", conf.Tick().String(),
		"soon_minutes", conf.SoonMinutes,
		"imminent_minutes", conf.ImminentMinutes,
		"horizon_days", conf.HorizonDays,
		"feeds", len(conf.Feeds),
		"once", flags.once,
	)

	loc := conf.Location()

	tr := tracker.New(tracker.Config{
		Location: loc,
		Interval: conf.Tick(),
		Thresholds: countdown.Thresholds{
			Soon:     time.Duration(conf.SoonMinutes) * time.Minute,
			Imminent: time.Duration(conf.ImminentMinutes) * time.Minute,
		},
	})
	defer tr.Close()

	loader := feed.NewLoader(conf.Feeds, feed.LoaderOptions{
		CacheDir:    conf.CacheDir,
		Location:    loc,
		HorizonDays: conf.HorizonDays,
	})

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	// Serialize refreshes so a slow fetch never overlaps the next cron tick.
	var refreshMu sync.Mutex
	refresh := func(reason string) {
		if !refreshMu.TryLock() {
			appLog.Warn("refresh skipped, previous run still in progress", "reason", reason)
			return
		}
		defer refreshMu.Unlock()

		events, err := loader.Load(ctx)
		if err != nil && len(events) == 0 {
			// Keep the current selection when every feed failed.
			appLog.Error("refresh produced no sessions", err, "reason", reason)
			return
		}
		tr.Update(events)
	}

	refresh("startup")

	if flags.once {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(tr.Snapshot()); err != nil {
			appLog.Error("failed to print selection", err)
			os.Exit(1)
		}
		return
	}

	sched := cron.New(cron.WithLocation(loc))
	if _, err := sched.AddFunc(conf.RefreshCron, func() { refresh("cron") }); err != nil {
		appLog.Error("failed to schedule refresh", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()
	defer func() {
		<-sched.Stop().Done()
	}()

	var auth *web.BasicAuth
	if conf.BasicAuth != nil {
		auth = &web.BasicAuth{Username: conf.BasicAuth.Username, Password: conf.BasicAuth.Password}
	}
	srv := web.NewServer(tr, auth)
	if err := srv.ListenAndServe(ctx, conf.Listen); err != nil {
		appLog.Error("http server failed", err, "listen", conf.Listen)
		cancel()
	}

	appLog.Info("nextsession exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/nextsession/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Load feeds once, print the next session and countdown, then exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Debug logging and a local ./cache feed cache")

	flag.Parse()

	return cfg
}
