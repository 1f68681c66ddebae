package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kardianos/service"

	"github.com/sessionfold/sessionfold/cli/internal/config"
	"github.com/sessionfold/sessionfold/cli/internal/output"
	"github.com/sessionfold/sessionfold/cli/internal/sync"
	"github.com/sessionfold/sessionfold/internal/consolidate"
	"github.com/sessionfold/sessionfold/internal/model"
	"github.com/sessionfold/sessionfold/internal/parser"
)

const version = "0.1.0"

func main() {
	args := os.Args[1:]
	command := "run"
	if len(args) > 0 {
		switch args[0] {
		case "run", "diag", "sync", "config":
			command, args = args[0], args[1:]
		}
	}

	switch command {
	case "diag":
		runDiag(args)
	case "sync":
		runSync(args)
	case "config":
		runConfig(args)
	default:
		runRun(args)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func runRun(args []string) {
	fs := flag.NewFlagSet("sessionfold", flag.ExitOnError)
	since := fs.String("since", "", "Start date filter (YYYYMMDD)")
	until := fs.String("until", "", "End date filter (YYYYMMDD)")
	dir := fs.String("dir", "", "Directory with raw event JSONL logs")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	compact := fs.Bool("compact", false, "Force compact table output")
	fs.BoolVar(compact, "c", false, "Force compact table output")
	showVer := fs.Bool("version", false, "Show version")
	fs.BoolVar(showVer, "v", false, "Show version")

	fs.Usage = func() {
		fmt.Fprint(os.Stderr, `sessionfold - collapse raw interaction events into daily session records

Usage: sessionfold [command] [options]

Commands:
  run       Consolidate the raw event log and print the result (default)
  diag      Show per-partition reduction diagnostics
  sync      Push raw events to the server
  config    Configure sync settings

Options:
`)
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, `
Examples:
  sessionfold                        Consolidate and show a table
  sessionfold run --since 20230201 --json
  sessionfold diag --threshold 0.8
  sessionfold config --server https://example.com --api-key <key>
  sessionfold sync
`)
	}
	fs.Parse(args)

	if *showVer {
		fmt.Printf("sessionfold version %s\n", version)
		return
	}

	run := mustConsolidate(*dir, *since, *until)
	output.PrintRunSummary(run)

	if *jsonOut {
		if err := output.PrintJSON(run); err != nil {
			fatalf("writing JSON: %v", err)
		}
		return
	}
	output.PrintRecords(run.Records, output.TableOptions{ForceCompact: *compact})
}

// mustConsolidate loads the raw batch, applies the date filters and runs
// the consolidator, exiting on anything fatal.
func mustConsolidate(dir, since, until string) *consolidate.Run {
	cfg, err := config.Load()
	if err != nil {
		cfg = &config.Config{}
	}

	if dir == "" {
		dir = cfg.EventsDir
	}
	if dir == "" {
		if dir, err = config.DefaultEventsDir(); err != nil {
			fatalf("resolving events directory: %v", err)
		}
	}

	events, malformed, err := parser.LoadDir(dir)
	if err != nil {
		fatalf("reading event data: %v", err)
	}
	if len(events) == 0 && len(malformed) == 0 {
		fmt.Printf("No event data found in %s\n", dir)
		os.Exit(0)
	}

	events = filterEvents(events, parseDateFilter(since, false), parseDateFilter(until, true))

	c := consolidate.New(consolidate.Options{
		BucketWidth: time.Duration(cfg.BucketMinutes) * time.Minute,
		BucketCount: cfg.BucketCount,
	})

	run, err := c.Run(context.Background(), events)
	if err != nil {
		fatalf("%v", err)
	}

	// Parse-time rejects belong in the same run summary as
	// partition-time ones.
	run.Malformed = append(malformed, run.Malformed...)

	return run
}

// parseDateFilter turns a YYYYMMDD flag into a window boundary. The
// until side is exclusive at the following midnight, so the final day is
// covered down to its last nanosecond.
func parseDateFilter(value string, endOfDay bool) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse("20060102", value)
	if err != nil {
		fatalf("invalid date %q, use YYYYMMDD", value)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func filterEvents(events []model.RawEvent, since, untilExclusive time.Time) []model.RawEvent {
	if since.IsZero() && untilExclusive.IsZero() {
		return events
	}
	var kept []model.RawEvent
	for _, e := range events {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if !untilExclusive.IsZero() && !e.Timestamp.Before(untilExclusive) {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func runDiag(args []string) {
	fs := flag.NewFlagSet("diag", flag.ExitOnError)
	since := fs.String("since", "", "Start date filter (YYYYMMDD)")
	until := fs.String("until", "", "End date filter (YYYYMMDD)")
	dir := fs.String("dir", "", "Directory with raw event JSONL logs")
	threshold := fs.Float64("threshold", 0.5, "Reduction fraction at which a partition is flagged (0 flags everything)")
	minEvents := fs.Int("min-events", 0, "Ignore partitions with fewer raw events")
	maxSpan := fs.Duration("max-span", 0, "Only flag partitions whose events fit in this window (e.g. 1h)")
	compact := fs.Bool("compact", false, "Force compact table output")

	fs.Usage = func() {
		fmt.Fprint(os.Stderr, `Usage: sessionfold diag [options]

Compares raw event counts against consolidated record counts per
partition and flags suspicious reductions.

Options:
`)
		fs.PrintDefaults()
	}
	fs.Parse(args)

	run := mustConsolidate(*dir, *since, *until)
	output.PrintRunSummary(run)

	t := *threshold
	if t == 0 {
		// An explicit zero means flag every partition.
		t = -1
	}
	impacts := consolidate.BuildImpact(run, consolidate.ImpactOptions{
		ReductionThreshold: t,
		MinRawCount:        *minEvents,
		MaxSpan:            *maxSpan,
	})
	output.PrintImpacts(impacts, output.TableOptions{ForceCompact: *compact})
}

func runConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	server := fs.String("server", "", "Server URL")
	apiKey := fs.String("api-key", "", "API key for authentication")
	eventsDir := fs.String("events-dir", "", "Directory with raw event JSONL logs")
	show := fs.Bool("show", false, "Show current configuration")

	fs.Usage = func() {
		fmt.Fprint(os.Stderr, `Usage: sessionfold config [options]

Options:
`)
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, `
Examples:
  sessionfold config --server https://example.com --api-key sf_xxx
  sessionfold config --show
`)
	}
	fs.Parse(args)

	if *show {
		showConfig()
		return
	}

	if *server == "" && *apiKey == "" && *eventsDir == "" {
		fs.Usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		cfg = &config.Config{}
	}
	if *server != "" {
		cfg.Server = *server
	}
	if *apiKey != "" {
		cfg.APIKey = *apiKey
	}
	if *eventsDir != "" {
		cfg.EventsDir = *eventsDir
	}

	if err := config.Save(cfg); err != nil {
		fatalf("saving config: %v", err)
	}
	fmt.Println("Configuration saved.")
}

func showConfig() {
	cfg, err := config.Load()
	if err != nil {
		fatalf("loading config: %v", err)
	}
	if cfg.Server == "" {
		fmt.Println("No configuration found. Run 'sessionfold config --server <url> --api-key <key>' to configure.")
		return
	}
	fmt.Printf("Server: %s\n", cfg.Server)
	if len(cfg.APIKey) > 14 {
		fmt.Printf("API Key: %s...%s\n", cfg.APIKey[:10], cfg.APIKey[len(cfg.APIKey)-4:])
	}
	if cfg.ClientID != "" {
		fmt.Printf("Client ID: %s\n", cfg.ClientID)
	}
	if cfg.EventsDir != "" {
		fmt.Printf("Events dir: %s\n", cfg.EventsDir)
	}
}

// syncDaemon implements service.Interface for background syncing.
type syncDaemon struct {
	interval time.Duration
	stop     chan struct{}
	logger   service.Logger
}

func (d *syncDaemon) Start(_ service.Service) error {
	d.stop = make(chan struct{})
	go d.loop()
	return nil
}

func (d *syncDaemon) Stop(_ service.Service) error {
	close(d.stop)
	return nil
}

func (d *syncDaemon) errorf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Errorf(format, args...)
	}
}

func (d *syncDaemon) loop() {
	cfg, err := config.Load()
	if err != nil || cfg.Server == "" || cfg.APIKey == "" {
		d.errorf("not configured; run 'sessionfold config' first")
		return
	}

	client := sync.NewClient(cfg)
	d.push(client, cfg)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.push(client, cfg)
		case <-d.stop:
			return
		}
	}
}

func (d *syncDaemon) push(client *sync.Client, cfg *config.Config) {
	lastSync, _ := client.GetStatus()

	events, err := loadEventsForSync(cfg)
	if err != nil {
		d.errorf("reading event data: %v", err)
		return
	}

	toSync := newerThan(events, lastSync)
	if len(toSync) == 0 {
		return
	}

	inserted, err := client.Push(toSync)
	if err != nil {
		d.errorf("syncing: %v", err)
		return
	}
	if d.logger != nil {
		d.logger.Infof("synced %d events", inserted)
	}
}

func loadEventsForSync(cfg *config.Config) ([]model.RawEvent, error) {
	dir := cfg.EventsDir
	if dir == "" {
		var err error
		if dir, err = config.DefaultEventsDir(); err != nil {
			return nil, err
		}
	}
	events, _, err := parser.LoadDir(dir)
	return events, err
}

func newerThan(events []model.RawEvent, cutoff *time.Time) []model.RawEvent {
	var out []model.RawEvent
	for _, e := range events {
		if cutoff == nil || e.Timestamp.After(*cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func requireSyncConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil || cfg.Server == "" || cfg.APIKey == "" {
		fatalf("not configured; run 'sessionfold config --server <url> --api-key <key>' first")
	}
	return cfg
}

func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "Show what would be synced without sending")
	interval := fs.Duration("interval", time.Hour, "Sync interval for service mode (e.g., 1h, 30m)")

	fs.Usage = func() {
		fmt.Fprint(os.Stderr, `Usage: sessionfold sync [command] [options]

Commands:
  (none)      Sync once
  install     Install as a background service
  start       Start the background service
  stop        Stop the background service
  uninstall   Remove the background service
  status      Show service status

Options:
`)
		fs.PrintDefaults()
	}

	// "run" is the internal entry point the installed service invokes.
	var cmd string
	if len(args) > 0 {
		switch args[0] {
		case "install", "start", "stop", "uninstall", "status", "run":
			cmd, args = args[0], args[1:]
		}
	}
	fs.Parse(args)

	daemon := &syncDaemon{interval: *interval}
	svc, err := service.New(daemon, &service.Config{
		Name:        "sessionfold-sync",
		DisplayName: "sessionfold Sync Service",
		Description: "Automatically pushes raw interaction events to the sessionfold server",
		Arguments:   []string{"sync", "run", fmt.Sprintf("--interval=%s", *interval)},
	})
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	switch cmd {
	case "":
		cfg := requireSyncConfig()
		syncOnce(sync.NewClient(cfg), cfg, *dryRun)
	case "run":
		if logger, lerr := svc.Logger(nil); lerr == nil {
			daemon.logger = logger
		}
		if err := svc.Run(); err != nil {
			daemon.errorf("%v", err)
		}
	default:
		manageService(svc, cmd, *interval)
	}
}

func manageService(svc service.Service, cmd string, interval time.Duration) {
	switch cmd {
	case "install":
		requireSyncConfig()
		if err := svc.Install(); err != nil {
			log.Fatalf("Failed to install service: %v", err)
		}
		if err := svc.Start(); err != nil {
			log.Fatalf("Service installed but failed to start: %v", err)
		}
		fmt.Printf("Service installed and started (interval %s).\n", interval)

	case "start":
		if err := svc.Start(); err != nil {
			log.Fatalf("Failed to start service: %v", err)
		}
		fmt.Println("Service started.")

	case "stop":
		if err := svc.Stop(); err != nil {
			log.Fatalf("Failed to stop service: %v", err)
		}
		fmt.Println("Service stopped.")

	case "uninstall":
		svc.Stop() // best effort
		if err := svc.Uninstall(); err != nil {
			log.Fatalf("Failed to uninstall service: %v", err)
		}
		fmt.Println("Service uninstalled.")

	case "status":
		status, err := svc.Status()
		switch {
		case err != nil:
			fmt.Printf("Service status: not installed or error (%v)\n", err)
		case status == service.StatusRunning:
			fmt.Println("Service status: running")
		case status == service.StatusStopped:
			fmt.Println("Service status: stopped")
		default:
			fmt.Println("Service status: unknown")
		}
	}
}

func syncOnce(client *sync.Client, cfg *config.Config, dryRun bool) {
	lastSync, err := client.GetStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not get sync status: %v\n", err)
	}

	events, err := loadEventsForSync(cfg)
	if err != nil {
		fatalf("reading event data: %v", err)
	}

	toSync := newerThan(events, lastSync)
	if len(toSync) == 0 {
		fmt.Println("No new events to sync.")
		return
	}
	fmt.Printf("Found %d new events to sync.\n", len(toSync))

	if dryRun {
		fmt.Println("Dry run - no data sent.")
		return
	}

	inserted, err := client.Push(toSync)
	if err != nil {
		fatalf("syncing: %v", err)
	}
	fmt.Printf("Sync complete. %d events inserted.\n", inserted)
}
