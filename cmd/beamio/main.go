package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/timzifer/beamio/config"
	"github.com/timzifer/beamio/connect"
	"github.com/timzifer/beamio/internal/liveview"
	"github.com/timzifer/beamio/internal/logging"
	"github.com/timzifer/beamio/internal/reload"
	"github.com/timzifer/beamio/session"
	beamsignal "github.com/timzifer/beamio/signal"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfgPath := flag.String("config", "beamio.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	connectOnly := flag.Bool("connect-only", false, "Connect all devices, print the report and exit")
	monitor := flag.String("monitor", "", "Comma separated devices to stream to the log (overrides the monitor section)")
	liveViewListen := flag.String("live-view-listen", "", "Live view listen address (defaults to telemetry.listen)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr, err := session.NewManager(ctx, *cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start session")
	}
	defer mgr.Close()

	report := mgr.Report()
	printReport(report)
	if *connectOnly {
		if !report.OK() {
			mgr.Close()
			os.Exit(1)
		}
		return
	}

	names := cfg.Monitor
	if *monitor != "" {
		names = splitList(*monitor)
	}
	if len(names) > 0 {
		if err := mgr.Watch(names, logReading); err != nil {
			log.Fatal().Err(err).Msg("failed to monitor devices")
		}
	}

	listen := *liveViewListen
	if listen == "" {
		listen = cfg.Telemetry.Listen
	}
	if listen != "" {
		view := liveview.New(mgr,
			liveview.WithLogger(logging.Component(log.Logger, "liveview")),
			liveview.WithGatherer(mgr.Current().Gatherer()))
		if err := view.Start(listen); err != nil {
			log.Fatal().Err(err).Msg("failed to start live view")
		}
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			if err := view.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("live view shutdown")
			}
		}()
	}

	if err := mgr.Run(ctx, reload.DefaultInterval); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("session stopped")
		mgr.Close()
		os.Exit(1)
	}
}

func logReading(name string, r beamsignal.Reading) {
	log.Info().
		Str("device", name).
		Interface("value", r.Value).
		Time("timestamp", r.Timestamp).
		Int("severity", int(r.Severity)).
		Msg("reading")
}

func printReport(report *connect.Report) {
	if report == nil {
		return
	}
	fmt.Printf("Connected %d device(s) in %s\n", len(report.Connected), report.Duration.Round(time.Millisecond))
	for _, f := range report.Failures {
		fmt.Printf("  FAILED %s: %v\n", f.Target, f.Err)
	}
}

func executeConfigCheck(cfg *config.Config) int {
	providers := enabledProviders(cfg.Providers)
	if len(providers) == 0 {
		fmt.Fprintln(os.Stderr, "configuration invalid: no provider enabled")
		return 1
	}
	fmt.Printf("Providers: %s", strings.Join(providers, ", "))
	if cfg.Providers.Default != "" {
		fmt.Printf(" (default %s)", cfg.Providers.Default)
	}
	fmt.Println()

	if len(cfg.Devices) == 0 {
		fmt.Println("No devices configured.")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSOURCE\tACCESS\tKIND")
	for _, dev := range cfg.Devices {
		kind := string(dev.Kind)
		if kind == "" {
			kind = "-"
		}
		access := dev.Access
		if access == "" {
			access = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", dev.Name, dev.Type, dev.Source, access, kind)
	}
	_ = w.Flush()
	fmt.Println("Configuration check completed successfully.")
	return 0
}

func enabledProviders(cfg config.ProvidersConfig) []string {
	var out []string
	if cfg.Sim.Enabled {
		out = append(out, "sim")
	}
	if cfg.MQTT.Enabled {
		out = append(out, "mqtt")
	}
	if cfg.Modbus.Enabled {
		out = append(out, "modbus")
	}
	if cfg.Calc.Enabled {
		out = append(out, "calc")
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
