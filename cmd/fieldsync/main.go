package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/fieldsync/internal/api"
	"github.com/johndauphine/fieldsync/internal/checkpoint"
	"github.com/johndauphine/fieldsync/internal/config"
	"github.com/johndauphine/fieldsync/internal/exitcodes"
	"github.com/johndauphine/fieldsync/internal/logging"
	"github.com/johndauphine/fieldsync/internal/mapping"
	"github.com/johndauphine/fieldsync/internal/metrics"
	"github.com/johndauphine/fieldsync/internal/migrate"
	"github.com/johndauphine/fieldsync/internal/model"
	"github.com/johndauphine/fieldsync/internal/orchestrator"
	"github.com/johndauphine/fieldsync/internal/progress"
	"github.com/johndauphine/fieldsync/internal/reconcile"
	"github.com/johndauphine/fieldsync/internal/tui"
)

var version = "dev"

func main() {
	profileFlag := &cli.StringFlag{
		Name:  "profile",
		Usage: "Profile name stored in SQLite",
	}

	app := &cli.App{
		Name:    "fieldsync",
		Usage:   "Migrate and sync legacy platform data into the relational store",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "tenant",
				Usage: "Expected tenant; refuse a --profile saved for another tenant",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of SQLite (for cron/headless)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Keep stdout clean for the JSON result.
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run one sync pass",
				Action: runSync,
				Flags: []cli.Flag{
					profileFlag,
					&cli.StringFlag{
						Name:  "mode",
						Usage: "Sync mode: full or incremental (default: sync.default_mode)",
					},
					&cli.StringFlag{
						Name:  "since",
						Usage: "Incremental lower bound (RFC 3339 or YYYY-MM-DD), overrides the watermark",
					},
					&cli.StringSliceFlag{
						Name:  "types",
						Usage: "Restrict the run to these entity types (dependencies must be included)",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Records converted in parallel per entity type",
					},
					&cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Disable the progress display",
					},
				},
			},
			{
				Name:   "watch",
				Usage:  "Run one sync pass inside the live monitor",
				Action: watchSync,
				Flags: []cli.Flag{
					profileFlag,
					&cli.StringFlag{Name: "mode", Usage: "Sync mode: full or incremental"},
					&cli.StringFlag{Name: "since", Usage: "Incremental lower bound"},
					&cli.StringSliceFlag{Name: "types", Usage: "Restrict the run to these entity types"},
					&cli.IntFlag{Name: "workers", Usage: "Records converted in parallel per entity type"},
				},
			},
			{
				Name:   "serve",
				Usage:  "Serve the HTTP trigger API and /metrics",
				Action: serve,
				Flags: []cli.Flag{
					profileFlag,
					&cli.StringFlag{
						Name:  "listen",
						Usage: "Listen address (default: api.listen)",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show watermark, run lock and last run",
				Action: showStatus,
				Flags: []cli.Flag{
					profileFlag,
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List sync runs, or view the report of a specific run",
				Action: showHistory,
				Flags: []cli.Flag{
					profileFlag,
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list",
					},
				},
			},
			{
				Name:   "health",
				Usage:  "Check store and legacy platform connectivity",
				Action: healthCheck,
				Flags:  []cli.Flag{profileFlag},
			},
			{
				Name:   "resolve",
				Usage:  "Look up the identifier mapping for a record",
				Action: resolveID,
				Flags: []cli.Flag{
					profileFlag,
					&cli.StringFlag{
						Name:     "type",
						Required: true,
						Usage:    "Entity type (company, user, client, ...)",
					},
					&cli.StringFlag{
						Name:  "legacy-id",
						Usage: "Legacy identifier to resolve",
					},
					&cli.StringFlag{
						Name:  "id",
						Usage: "Internal identifier to reverse",
					},
					&cli.BoolFlag{
						Name:  "mint",
						Usage: "Mint a mapping when the legacy identifier has none",
					},
				},
			},
			{
				Name:   "reconcile",
				Usage:  "Resolve late-bound references without running a sync",
				Action: reconcileRefs,
				Flags:  []cli.Flag{profileFlag},
			},
			{
				Name:   "init-schema",
				Usage:  "Create the sync bookkeeping tables",
				Action: initSchema,
				Flags: []cli.Flag{
					profileFlag,
					&cli.BoolFlag{
						Name:  "entities",
						Usage: "Also create entity and pipeline tables (development only)",
					},
				},
			},
			{
				Name:  "profile",
				Usage: "Manage encrypted profiles stored in SQLite",
				Subcommands: []*cli.Command{
					{
						Name:   "save",
						Usage:  "Save a profile from a config file",
						Action: saveProfile,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:    "name",
								Aliases: []string{"n"},
								Usage:   "Profile name (inferred from profile.name or filename if omitted)",
							},
							&cli.StringFlag{
								Name:    "config",
								Aliases: []string{"c"},
								Value:   "config.yaml",
								Usage:   "Path to configuration file",
							},
						},
					},
					{
						Name:   "list",
						Usage:  "List saved profiles",
						Action: listProfiles,
					},
					{
						Name:   "delete",
						Usage:  "Delete a saved profile",
						Action: deleteProfile,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "name",
								Aliases:  []string{"n"},
								Required: true,
								Usage:    "Profile name",
							},
						},
					},
					{
						Name:   "export",
						Usage:  "Export a profile to a config file",
						Action: exportProfile,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "name",
								Aliases:  []string{"n"},
								Required: true,
								Usage:    "Profile name",
							},
							&cli.StringFlag{
								Name:    "out",
								Aliases: []string{"o"},
								Value:   "config.yaml",
								Usage:   "Output path for exported config",
							},
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Debug("Exit code %d (%s)", code, exitcodes.Description(code))
		os.Exit(code)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Stopping after in-flight records...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func openOrchestrator(ctx context.Context, c *cli.Context, opts orchestrator.Options) (*orchestrator.Orchestrator, *config.Config, error) {
	cfg, profileName, configPath, err := loadConfigWithOrigin(c)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	opts.StateFile = getStateFile(c)
	opts.ProfileName = profileName
	opts.ConfigPath = configPath

	orch, err := orchestrator.New(ctx, cfg, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return orch, cfg, nil
}

func buildRequest(c *cli.Context) (orchestrator.Request, error) {
	var req orchestrator.Request
	if m := c.String("mode"); m != "" {
		mode, err := migrate.ParseMode(m)
		if err != nil {
			return req, err
		}
		req.Mode = mode
	}
	if s := c.String("since"); s != "" {
		since, err := api.ParseSince(s)
		if err != nil {
			return req, err
		}
		req.Since = &since
	}
	for _, name := range c.StringSlice("types") {
		t, err := mapping.ParseEntityType(name)
		if err != nil {
			return req, err
		}
		req.Types = append(req.Types, t)
	}
	req.Workers = c.Int("workers")
	return req, nil
}

func runSync(c *cli.Context) error {
	req, err := buildRequest(c)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, _, err := openOrchestrator(ctx, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	jsonOut := c.Bool("output-json") || c.String("output-file") != ""
	switch {
	case jsonOut:
		reporter := progress.NewJSONReporter(os.Stderr, 2*time.Second)
		defer reporter.Close()
		orch.Observe(progress.NewRunReporter(reporter))
	case !c.Bool("no-progress") && progress.IsTerminal(os.Stderr):
		orch.Observe(progress.New(os.Stderr))
	}

	report, runErr := orch.Run(ctx, req)
	return finishRun(c, report, runErr)
}

func watchSync(c *cli.Context) error {
	req, err := buildRequest(c)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	types := req.Types
	if len(types) == 0 {
		types = mapping.Types()
	}
	if types, err = mapping.Order(types); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, cfg, err := openOrchestrator(ctx, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	// The monitor owns the terminal while it runs.
	logFile, err := os.CreateTemp("", "fieldsync-watch-*.log")
	if err != nil {
		logging.SetOutput(io.Discard)
	} else {
		logging.SetOutput(logFile)
		defer logFile.Close()
	}

	report, runErr := tui.Watch(ctx, cfg.Tenant, types, orch.Observe, func(ctx context.Context) (*orchestrator.Report, error) {
		return orch.Run(ctx, req)
	})
	logging.SetOutput(os.Stderr)
	if logFile != nil {
		fmt.Fprintf(os.Stderr, "Run log written to %s\n", logFile.Name())
	}
	if report != nil {
		fmt.Fprintf(os.Stderr, "Run %s %s: %s\n", report.RunID, report.Status, report.Summary())
	}
	return finishRun(c, report, runErr)
}

// finishRun writes the JSON result and maps the outcome to an exit code.
func finishRun(c *cli.Context, report *orchestrator.Report, runErr error) error {
	if report != nil && (c.Bool("output-json") || c.String("output-file") != "") {
		if err := outputJSON(c, report); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	if code := exitcodes.FromReport(report, nil); code != exitcodes.Success {
		return exitcodes.NewExitError(fmt.Errorf("run %s completed with %d errors", report.RunID, report.ErrorCount), code)
	}
	return nil
}

func serve(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	registry := prometheus.NewRegistry()
	syncMetrics, err := metrics.NewSyncMetrics(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	orch, cfg, err := openOrchestrator(ctx, c, orchestrator.Options{RequestHook: syncMetrics.RecordRequest})
	if err != nil {
		return err
	}
	defer orch.Close()
	orch.Observe(syncMetrics)

	if cfg.API.Token == "" {
		return exitcodes.NewExitError(errors.New("api.token must be set to serve the trigger API"), exitcodes.ConfigError)
	}
	addr := cfg.API.Listen
	if c.IsSet("listen") {
		addr = c.String("listen")
	}

	srv := api.New(orch, api.StaticToken(cfg.API.Token), syncMetrics.Handler())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	logging.Info("Shutting down API server")
	return srv.Shutdown(shutdownCtx)
}

func showStatus(c *cli.Context) error {
	ctx := context.Background()
	orch, _, err := openOrchestrator(ctx, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("json") {
		result, err := orch.GetStatusResult(ctx)
		if err != nil {
			return err
		}
		return printJSON(result)
	}
	return orch.ShowStatus(ctx)
}

func showHistory(c *cli.Context) error {
	orch, _, err := openOrchestrator(context.Background(), c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	if runID := c.String("run"); runID != "" {
		return orch.ShowRunDetails(runID)
	}
	return orch.ShowHistory(c.Int("limit"))
}

func healthCheck(c *cli.Context) error {
	ctx := context.Background()
	orch, _, err := openOrchestrator(ctx, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	res, err := orch.HealthCheck(ctx)
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Printf("Store (%s):  %s\n", res.StoreType, healthLine(res.StoreConnected, res.StoreLatencyMs, res.StoreError))
		fmt.Printf("Legacy:           %s\n", healthLine(res.LegacyConnected, res.LegacyLatencyMs, res.LegacyError))
	}
	if !res.Healthy {
		return exitcodes.NewExitError(errors.New("health check failed"), exitcodes.ConnectionError)
	}
	return nil
}

func healthLine(ok bool, latencyMs int64, errMsg string) string {
	if ok {
		return fmt.Sprintf("OK (%dms)", latencyMs)
	}
	return "FAILED: " + errMsg
}

func resolveID(c *cli.Context) error {
	t, err := mapping.ParseEntityType(c.String("type"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	legacyID, internalID := c.String("legacy-id"), c.String("id")
	if (legacyID == "") == (internalID == "") {
		return exitcodes.NewExitError(errors.New("exactly one of --legacy-id or --id is required"), exitcodes.ConfigError)
	}

	ctx := context.Background()
	orch, _, err := openOrchestrator(ctx, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()
	ids := orch.Resolver()

	if internalID != "" {
		legacyID, ok, err := ids.LegacyID(ctx, t, internalID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no %s mapping for internal id %s", t, internalID)
		}
		fmt.Println(legacyID)
		return nil
	}

	if c.Bool("mint") {
		id, err := ids.Resolve(ctx, t, legacyID)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	}
	id, ok, err := ids.Lookup(ctx, t, legacyID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no synced %s record for legacy id %s", t, legacyID)
	}
	fmt.Println(id)
	return nil
}

func reconcileRefs(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	orch, _, err := openOrchestrator(ctx, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	n, err := reconcile.New(orch.Store(), orch.Resolver()).Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Updated %d references\n", n)
	return nil
}

func initSchema(c *cli.Context) error {
	ctx := context.Background()
	orch, _, err := openOrchestrator(ctx, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	st := orch.Store()
	if err := st.EnsureSyncTables(ctx); err != nil {
		return err
	}
	fmt.Printf("Sync tables ready (%s)\n", st.Dialect())

	if c.Bool("entities") {
		tables := append(model.Tables(), reconcile.Tables()...)
		if err := st.EnsureTables(ctx, tables...); err != nil {
			return err
		}
		fmt.Printf("Created %d entity tables\n", len(tables))
	}
	return nil
}

// getStateFile returns the state file path from the context.
// Checks both command-level and global flags.
func getStateFile(c *cli.Context) string {
	for _, ctx := range c.Lineage() {
		if ctx == nil {
			continue
		}
		if sf := ctx.String("state-file"); sf != "" {
			return sf
		}
	}
	return ""
}

func loadConfigWithOrigin(c *cli.Context) (*config.Config, string, string, error) {
	profileName := c.String("profile")
	if profileName != "" {
		cfg, err := loadProfileConfig(profileName, c.String("tenant"))
		return cfg, profileName, "", err
	}

	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		return nil, "", "", fmt.Errorf("configuration file not found: %s", configPath)
	}
	cfg, err := config.Load(configPath)
	return cfg, "", configPath, err
}

func openProfiles() (*checkpoint.State, error) {
	dataDir, err := config.DefaultDataDir()
	if err != nil {
		return nil, err
	}
	return checkpoint.New(dataDir)
}

// loadProfileConfig decrypts a profile and checks that its config still
// targets the tenant and legacy app the profile was saved for.
func loadProfileConfig(name, tenant string) (*config.Config, error) {
	state, err := openProfiles()
	if err != nil {
		return nil, err
	}
	defer state.Close()

	p, err := state.GetProfile(name)
	if err != nil {
		return nil, err
	}
	if tenant != "" {
		if err := p.Check(tenant, p.BaseURL); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadBytes(p.Config)
	if err != nil {
		return nil, err
	}
	if err := p.Check(cfg.Tenant, cfg.Legacy.BaseURL); err != nil {
		return nil, err
	}
	return cfg, nil
}

func saveProfile(c *cli.Context) error {
	configPath := c.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	name := c.String("name")
	if name == "" {
		if cfg.Profile.Name != "" {
			name = cfg.Profile.Name
		} else {
			base := filepath.Base(configPath)
			name = strings.TrimSuffix(base, filepath.Ext(base))
		}
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	state, err := openProfiles()
	if err != nil {
		return err
	}
	defer state.Close()

	if err := state.SaveProfile(checkpoint.Profile{
		Name:        name,
		Description: cfg.Profile.Description,
		Tenant:      cfg.Tenant,
		BaseURL:     cfg.Legacy.BaseURL,
		Config:      payload,
	}); err != nil {
		return err
	}
	fmt.Printf("Saved profile %q for tenant %q\n", name, cfg.Tenant)
	return nil
}

func listProfiles(c *cli.Context) error {
	state, err := openProfiles()
	if err != nil {
		return err
	}
	defer state.Close()

	profiles, err := state.ListProfiles()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Println("No profiles found")
		return nil
	}
	fmt.Printf("%-20s %-16s %-36s %-30s %-20s\n", "Name", "Tenant", "Legacy URL", "Description", "Updated")
	for _, p := range profiles {
		desc := strings.ReplaceAll(strings.TrimSpace(p.Description), "\n", " ")
		fmt.Printf("%-20s %-16s %-36s %-30s %-20s\n",
			p.Name,
			p.Tenant,
			p.BaseURL,
			desc,
			p.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func deleteProfile(c *cli.Context) error {
	name := c.String("name")
	state, err := openProfiles()
	if err != nil {
		return err
	}
	defer state.Close()

	if err := state.DeleteProfile(name); err != nil {
		return err
	}
	fmt.Printf("Deleted profile %q\n", name)
	return nil
}

func exportProfile(c *cli.Context) error {
	name := c.String("name")
	outPath := c.String("out")

	state, err := openProfiles()
	if err != nil {
		return err
	}
	defer state.Close()

	p, err := state.GetProfile(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, p.Config, 0600); err != nil {
		return err
	}
	fmt.Printf("Exported profile %q to %s\n", name, outPath)
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// outputJSON writes the run report as JSON to stdout and/or a file
func outputJSON(c *cli.Context, report *orchestrator.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if c.Bool("output-json") {
		fmt.Println(string(data))
	}

	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}
	return nil
}
