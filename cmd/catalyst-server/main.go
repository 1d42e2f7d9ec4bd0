// Package main is the entry point for the Catalyst Trading Engine. It
// orchestrates startup in a fixed sequence:
// 1. Load configuration from environment variables
// 2. Initialize structured logging
// 3. Open and migrate the store, then seed risk parameters
// 4. Wire the Service Client, Health Monitor, News Intake, Candidate
//    Reducer, Position Coordinator and Cycle Engine
// 5. Register and start the background job scheduler
// 6. Start the HTTP operator surface
// 7. Wait for a shutdown signal and drain everything gracefully
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aristath/catalyst-engine/internal/client"
	"github.com/aristath/catalyst-engine/internal/config"
	"github.com/aristath/catalyst-engine/internal/cycle"
	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/health"
	"github.com/aristath/catalyst-engine/internal/jobs"
	"github.com/aristath/catalyst-engine/internal/news"
	"github.com/aristath/catalyst-engine/internal/position"
	"github.com/aristath/catalyst-engine/internal/reducer"
	"github.com/aristath/catalyst-engine/internal/server"
	"github.com/aristath/catalyst-engine/internal/store"
	"github.com/aristath/catalyst-engine/pkg/logger"
)

func main() {
	// Load configuration first so logging can pick up the configured level.
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting catalyst trading engine")

	// Open and migrate the store. Ledger profile favors durability since
	// this single database carries orders, positions, and risk events.
	db, err := store.Open(store.Config{
		Path:    cfg.StoreConnString,
		Profile: store.ProfileLedger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		log.Fatal().Err(err).Msg("failed to migrate store")
	}
	migrateCancel()
	log.Info().Msg("store migrated")

	if err := seedRiskParameters(context.Background(), db, log); err != nil {
		log.Fatal().Err(err).Msg("failed to seed risk parameters")
	}

	// Service Client: the engine's single outbound caller to every
	// downstream computation service.
	svcClient := client.New(client.Config{
		BaseURLs: map[domain.ServiceName]string{
			domain.ServiceScanner:     cfg.Services.Scanner,
			domain.ServicePattern:     cfg.Services.Pattern,
			domain.ServiceTechnical:   cfg.Services.Technical,
			domain.ServiceRiskManager: cfg.Services.RiskManager,
			domain.ServiceTrading:     cfg.Services.Trading,
			domain.ServiceNews:        cfg.Services.News,
			domain.ServiceReporting:   cfg.Services.Reporting,
		},
		DefaultTimeout:          cfg.ServiceCallTimeout,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  cfg.CircuitBreakerCooldown,
	}, log)

	// Health Monitor probes every downstream service on the cadence
	// jobs.HealthProbeJob resolves from the current market session.
	healthMonitor := health.New(map[domain.ServiceName]string{
		domain.ServiceScanner:     cfg.Services.Scanner,
		domain.ServicePattern:     cfg.Services.Pattern,
		domain.ServiceTechnical:   cfg.Services.Technical,
		domain.ServiceRiskManager: cfg.Services.RiskManager,
		domain.ServiceTrading:     cfg.Services.Trading,
		domain.ServiceNews:        cfg.Services.News,
		domain.ServiceReporting:   cfg.Services.Reporting,
	}, log)

	// News Intake: one ServiceSource per configured feed key.
	sources := make([]news.Source, 0, len(cfg.NewsSourceKeys))
	for feed := range cfg.NewsSourceKeys {
		sources = append(sources, news.NewServiceSource(feed, 0.8, svcClient))
	}
	if len(sources) == 0 {
		sources = append(sources, news.NewServiceSource("wire", 0.8, svcClient))
	}
	newsIntake := news.New(db, svcClient, sources, news.Config{}, log)

	// Position Coordinator submits orders and marks positions to market.
	positionCoordinator := position.New(db, svcClient, uuid.NewString, position.Config{}, log)

	// Candidate Reducer runs the five-stage scan-to-selection pipeline,
	// gating each stage on the Health Monitor before calling a downstream
	// service, and hands survivors to the Position Coordinator.
	candidateReducer := reducer.New(db, svcClient, positionCoordinator, healthMonitor, reducer.Config{
		FanOut: cfg.StageFanOut,
	}, log)

	loc := exchangeLocation(log)

	// Cycle Engine drives the reducer on a session-aware tick schedule and
	// hands emergency stops to the Position Coordinator for liquidation.
	cycleEngine := cycle.New(db, candidateReducer, positionCoordinator, loc, log)

	// Background job scheduler: health probing, news ingest/impact,
	// mark-to-market, and the daily risk-metrics rollup.
	scheduler := jobs.New(log)
	if err := scheduler.AddJob("@every 1m", jobs.NewHealthProbeJob(healthMonitor, loc, 5*time.Second)); err != nil {
		log.Fatal().Err(err).Msg("failed to register health probe job")
	}
	if err := scheduler.AddJob("@every 2m", jobs.NewNewsIngestJob(newsIntake, time.Hour)); err != nil {
		log.Fatal().Err(err).Msg("failed to register news ingest job")
	}
	if err := scheduler.AddJob("@every 5m", jobs.NewNewsImpactJob(newsIntake)); err != nil {
		log.Fatal().Err(err).Msg("failed to register news impact job")
	}
	if err := scheduler.AddJob("@every 1m", jobs.NewMarkToMarketJob(db, positionCoordinator)); err != nil {
		log.Fatal().Err(err).Msg("failed to register mark-to-market job")
	}
	if err := scheduler.AddJob("0 5 0 * * *", jobs.NewRiskRollupJob(db, loc)); err != nil {
		log.Fatal().Err(err).Msg("failed to register daily risk rollup job")
	}
	scheduler.Start()
	log.Info().Msg("job scheduler started")

	// HTTP operator surface.
	httpServer := server.New(server.Config{
		Log:     log,
		Engine:  cycleEngine,
		Store:   db,
		Health:  healthMonitor,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		IDGen:   uuid.NewString,
	})

	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received, draining")
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down server")
	}

	log.Info().Msg("catalyst trading engine stopped")
}

// exchangeLocation loads the exchange timezone the Cycle Engine and
// scheduled jobs use to compute market sessions and day boundaries,
// falling back to UTC if the tzdata entry can't be loaded.
func exchangeLocation(log zerolog.Logger) *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		log.Warn().Err(err).Msg("failed to load exchange timezone, falling back to UTC")
		return time.UTC
	}
	return loc
}

type riskParameterSeed struct {
	Parameters []struct {
		Name  string  `yaml:"name"`
		Value float64 `yaml:"value"`
		Unit  string  `yaml:"unit"`
	} `yaml:"parameters"`
}

// seedRiskParameters upserts the baseline RiskParameters from
// configs/risk_parameters.yaml so the reducer's composite-weight lookups
// and the position coordinator's sizing never hit a missing parameter on
// a fresh store.
func seedRiskParameters(ctx context.Context, db *store.DB, log zerolog.Logger) error {
	raw, err := os.ReadFile("configs/risk_parameters.yaml")
	if err != nil {
		return fmt.Errorf("reading risk parameter seed: %w", err)
	}

	var seed riskParameterSeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parsing risk parameter seed: %w", err)
	}

	now := time.Now().UTC()
	for _, p := range seed.Parameters {
		param := &domain.RiskParameter{
			Name:          p.Name,
			Value:         p.Value,
			Unit:          domain.RiskParameterUnit(p.Unit),
			EffectiveFrom: now,
			Origin:        "bootstrap_seed",
		}
		if err := db.UpsertRiskParameter(ctx, param); err != nil {
			return fmt.Errorf("seeding risk parameter %q: %w", p.Name, err)
		}
	}
	log.Info().Int("count", len(seed.Parameters)).Msg("seeded risk parameters")
	return nil
}
