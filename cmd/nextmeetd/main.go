package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nextmeet/internal/backend/caldav"
	"nextmeet/internal/config"
	appLog "nextmeet/internal/log"
	"nextmeet/internal/orchestrate"
	"nextmeet/internal/resolve"
	"nextmeet/internal/store"
	"nextmeet/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	debug      bool
	once       bool
}

func main() {
	flags := parseFlags()

	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("nextmeetd starting", "version", "0.1.0-dev")

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	loc := time.Local
	if conf.Timezone != "" && conf.Timezone != "Local" {
		l, lerr := time.LoadLocation(conf.Timezone)
		if lerr != nil {
			appLog.Error("unknown timezone, using local", lerr, "timezone", conf.Timezone)
		} else {
			loc = l
		}
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"debounce_ms", conf.DebounceMillis,
		"source_count", len(conf.EnabledSources()),
		"show_current", conf.ShowCurrent,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	journal, err := store.New(conf.StatePath)
	if err != nil {
		appLog.Error("failed to open state store", err, "path", conf.StatePath)
		os.Exit(1)
	}
	defer journal.Close()

	orch := orchestrate.New(orchestrate.Options{
		Catalog:   caldav.NewCatalog(conf),
		Connector: caldav.NewConnector(conf),
		Location:  loc,
		Selector: resolve.SelectorOptions{
			ShowRegular:   conf.ShowRegular,
			ShowDeclined:  conf.ShowDeclined,
			ShowTentative: conf.ShowTentative,
			ShowCurrent:   conf.ShowCurrent,
		},
		RefreshCron: conf.RefreshCron,
		Debounce:    time.Duration(conf.DebounceMillis) * time.Millisecond,
		Journal:     journal,
	})

	server := web.NewServer(conf, journal, func() {
		orch.RequestRefresh("manual")
	})
	firstResult := make(chan struct{}, 1)
	orch.OnResult(func(orchestrate.Result) {
		select {
		case firstResult <- struct{}{}:
		default:
		}
	})
	orch.OnResult(server.Publish)
	orch.OnResult(func(res orchestrate.Result) {
		title := "(none)"
		if res.Next != nil {
			title = res.Next.Title
		}
		appLog.Debug("result published", "run", res.RunID, "next", title, "instances", len(res.All))
	})

	if err := orch.Start(ctx); err != nil {
		appLog.Error("failed to start orchestrator", err)
		os.Exit(1)
	}
	defer orch.Stop()

	if flags.once {
		select {
		case <-firstResult:
		case <-ctx.Done():
		}
		appLog.Info("single-shot mode, exiting")
		return
	}

	if err := web.Serve(ctx, conf, server); err != nil {
		appLog.Error("HTTP server failed", err)
		os.Exit(1)
	}
	appLog.Info("nextmeetd exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/nextmeet/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh and exit")

	flag.Parse()

	return cfg
}
