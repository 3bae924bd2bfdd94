// Command server runs the receipt pipeline: the HTTP API, the worker pool
// that moves receipts through preprocessing, OCR, parsing, matching and
// inventory reconciliation, and the periodic maintenance loops.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/config"
	httpapi "github.com/tbourn/go-receipt-pipeline/internal/http"
	"github.com/tbourn/go-receipt-pipeline/internal/http/handlers"
	"github.com/tbourn/go-receipt-pipeline/internal/intake"
	"github.com/tbourn/go-receipt-pipeline/internal/inventory"
	"github.com/tbourn/go-receipt-pipeline/internal/keywords"
	"github.com/tbourn/go-receipt-pipeline/internal/matcher"
	"github.com/tbourn/go-receipt-pipeline/internal/notify"
	"github.com/tbourn/go-receipt-pipeline/internal/observability"
	"github.com/tbourn/go-receipt-pipeline/internal/ocr"
	"github.com/tbourn/go-receipt-pipeline/internal/parser"
	"github.com/tbourn/go-receipt-pipeline/internal/pipeline"
	"github.com/tbourn/go-receipt-pipeline/internal/preprocess"
	"github.com/tbourn/go-receipt-pipeline/internal/quality"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
	"github.com/tbourn/go-receipt-pipeline/internal/services"
	"github.com/tbourn/go-receipt-pipeline/internal/storage"
	"github.com/tbourn/go-receipt-pipeline/internal/sysutil"
	"github.com/tbourn/go-receipt-pipeline/internal/vision"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	resumeInterval = time.Minute
	resumeBatch    = 100
	purgeInterval  = time.Hour
	shutdownGrace  = 15 * time.Second
)

func main() {
	// .env is optional; real environment wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		sysutil.SetupLogger(os.Stderr, "info", false, "")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty || sysutil.IsTruthy(os.Getenv("DEV")), cfg.OTEL.ServiceName)
	gin.SetMode(sysutil.FirstNonEmpty(cfg.GinMode, gin.ReleaseMode))

	log.Info().
		Str("version", version).
		Str("db_driver", cfg.DBDriver).
		Str("storage", cfg.Storage.Driver).
		Strs("ocr_backends", cfg.OCR.Backends).
		Int("workers", cfg.Pipeline.Workers).
		Msg("starting receipt pipeline")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DBDriver, cfg.DBPath, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("database ready")

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise source storage")
	}

	notifier, closeNotifier, err := notify.FromConfig(cfg.Notify)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise notifier")
	}
	defer closeNotifier()

	orch, err := buildOrchestrator(db, cfg, store, notifier)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}
	dispatcher := pipeline.NewDispatcher(orch, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize)

	validator := intake.New(cfg.Intake)
	receipts := services.NewReceiptService(db, validator, store, dispatcher, orch)
	if cfg.IdempotencyTTL > 0 {
		receipts.IdempotencyTTL = cfg.IdempotencyTTL
	}
	h := handlers.New(receipts, services.NewInventoryService(db), validator.MaxBytes())

	r := gin.New()
	httpapi.RegisterRoutes(r, db, cfg, h)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dispatcher.Run(gctx) })

	g.Go(func() error {
		sw := &matcher.Sweeper{
			DB:           db,
			PromoteCount: cfg.Matcher.PromoteCount,
			PruneAfter:   cfg.Matcher.PruneAfter,
			Interval:     cfg.Matcher.SweepInterval,
		}
		sw.Run(gctx)
		return nil
	})

	g.Go(func() error {
		resumeLoop(gctx, orch, dispatcher)
		return nil
	})

	g.Go(func() error {
		purgeLoop(gctx, db)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server stopped with error")
		return
	}
	log.Info().Msg("server stopped")
}

// buildOrchestrator assembles the stage implementations from configuration.
func buildOrchestrator(db *gorm.DB, cfg config.Config, store storage.Store, n notify.Notifier) (*pipeline.Orchestrator, error) {
	kw := keywords.Default()
	if cfg.Matcher.KeywordsFile != "" {
		loaded, err := keywords.Load(cfg.Matcher.KeywordsFile)
		if err != nil {
			return nil, err
		}
		kw = loaded
	}

	backends, ocrOpts, err := ocr.FromConfig(cfg.OCR)
	if err != nil {
		return nil, err
	}

	rec := inventory.NewReconciler(db, kw, cfg.Inventory.DefaultExpiryDays)
	if cfg.Inventory.MergeWindow > 0 {
		rec.MergeWindow = cfg.Inventory.MergeWindow
	}

	deps := pipeline.Deps{
		Store:      store,
		OCR:        ocr.NewEngine(backends, ocrOpts),
		Gate:       quality.Gate{MinLines: cfg.Quality.MinLines, MinConfidence: cfg.Quality.MinConfidence},
		Parser:     parser.NewAdaptive(cfg.Inventory.LineTolerance),
		Matcher:    matcher.New(db, matcher.WithThresholds(cfg.Matcher.FuzzyThreshold, cfg.Matcher.AliasSimilarity, cfg.Matcher.AliasAddThreshold), matcher.WithKeywords(kw)),
		Reconciler: rec,
		Notifier:   n,
	}
	if cfg.Preprocess.Enabled {
		deps.Preprocess = preprocess.New(preprocess.FromConfig(cfg.Preprocess))
	}
	if vc := vision.New(cfg.Vision.URL, cfg.Vision.APIKey, cfg.Vision.Timeout, cfg.Vision.RPS); vc.Enabled() {
		deps.Vision = vc
	} else {
		log.Info().Msg("vision fallback disabled")
	}

	return pipeline.New(db, deps, pipeline.OptionsFromConfig(cfg.Pipeline, cfg.Inventory)), nil
}

// resumeLoop re-enqueues receipts left in a non-terminal step, at startup
// and then periodically. This covers restarts and uploads that found the
// queue full.
func resumeLoop(ctx context.Context, orch *pipeline.Orchestrator, d *pipeline.Dispatcher) {
	t := time.NewTicker(resumeInterval)
	defer t.Stop()
	for {
		ids, err := orch.Resumable(ctx, resumeBatch)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("resume sweep failed")
		}
		for _, id := range ids {
			if err := d.Enqueue(id); err != nil {
				log.Warn().Err(err).Str("receipt_id", id).Msg("resume enqueue")
				break
			}
		}
		if len(ids) > 0 {
			log.Debug().Int("count", len(ids)).Msg("resumed receipts")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// purgeLoop drops expired idempotency keys.
func purgeLoop(ctx context.Context, db *gorm.DB) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, time.Now().UTC())
			if err != nil {
				log.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("purged", n).Msg("expired idempotency keys removed")
			}
		}
	}
}
