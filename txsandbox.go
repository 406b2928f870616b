package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/txsandbox/admin"
	"github.com/maxpert/txsandbox/catalog"
	"github.com/maxpert/txsandbox/cfg"
	"github.com/maxpert/txsandbox/db"
	"github.com/maxpert/txsandbox/notify"
	"github.com/maxpert/txsandbox/scenario"
	"github.com/maxpert/txsandbox/session"
	"github.com/maxpert/txsandbox/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("txsandbox - SQL teaching sandbox transaction core")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	hub := notify.NewHub()
	defer hub.Close()
	if cfg.Config.Logging.Events {
		stop := notify.LogEvents(hub, db.EventFilter{})
		defer stop()
	}

	opts := db.EngineOptionsFromConfig()
	opts.Events = hub

	if *cfg.ScenarioFlag != "" {
		if !runScenarios(*cfg.ScenarioFlag, opts) {
			os.Exit(1)
		}
		return
	}

	if err := serve(opts); err != nil {
		log.Fatal().Err(err).Msg("txsandbox stopped with error")
	}
}

// runScenarios prints the report of one named scenario or of all of them
// and returns whether every scenario passed
func runScenarios(name string, opts db.EngineOptions) bool {
	ctx := context.Background()

	var reports []*scenario.Report
	if name == "all" {
		var err error
		reports, err = scenario.RunAll(ctx, opts)
		if err != nil {
			log.Error().Err(err).Msg("Scenario setup failed")
			return false
		}
	} else {
		sc, ok := scenario.Lookup(name)
		if !ok {
			log.Error().Str("scenario", name).Strs("available", scenario.Names()).Msg("Unknown scenario")
			return false
		}
		report, err := scenario.Run(ctx, sc, opts)
		if err != nil {
			log.Error().Err(err).Msg("Scenario setup failed")
			return false
		}
		reports = append(reports, report)
	}

	passed := true
	for _, r := range reports {
		r.Render(os.Stdout)
		passed = passed && r.Passed
	}
	if len(reports) > 1 {
		scenario.RenderSummary(os.Stdout, reports)
	}
	return passed
}

func loadCatalog() (catalog.Catalog, error) {
	if cfg.Config.Catalog.SchemaFile == "" {
		return catalog.HRSystem(), nil
	}
	static, err := catalog.LoadFile(cfg.Config.Catalog.SchemaFile)
	if err != nil {
		return nil, err
	}
	return static, nil
}

// serve runs the engine with the admin API until SIGINT or SIGTERM
func serve(opts db.EngineOptions) error {
	cat, err := loadCatalog()
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	engine := db.NewEngine(cat, opts)
	engine.Start()
	defer engine.Close()

	if cfg.Config.Catalog.SampleData {
		if cfg.Config.Catalog.SchemaFile != "" {
			log.Warn().Msg("Sample data targets the built-in HRSystem schema, skipping for custom schema")
		} else if err := scenario.LoadSampleData(context.Background(), engine); err != nil {
			return fmt.Errorf("loading sample data: %w", err)
		}
	}

	sessions := session.NewRegistry(engine)
	defer sessions.CloseAll()

	collector := telemetry.NewMetricsCollector(engine, sessions, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	var server *http.Server
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, admin.NewAdminHandlers(engine, sessions))
		server = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin server failed")
			}
		}()
	}

	log.Info().
		Str("admin", fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)).
		Bool("admin_enabled", cfg.Config.Admin.Enabled).
		Strs("tables", cat.Tables()).
		Msg("txsandbox is operational")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown")
		}
	}

	if *cfg.DumpFlag != "" {
		return dump(engine, *cfg.DumpFlag)
	}
	return nil
}

// dump writes the zstd-compressed msgpack image of the store
func dump(engine *db.Engine, path string) error {
	data, err := engine.Snapshot()
	if err != nil {
		return fmt.Errorf("building snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	log.Info().Str("path", path).Int("bytes", len(data)).Msg("Snapshot written")
	return nil
}
