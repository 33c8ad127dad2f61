// Package server initializes and runs the file pipeline application: it
// wires the scanner, image sanitizer, storage manager, and audit ledger
// together, applies database migrations, handles graceful shutdown, and
// drives the periodic retention sweeps.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/coachdesk/filevault/internal/imagex"
	"github.com/coachdesk/filevault/internal/ingest"
	"github.com/coachdesk/filevault/internal/ledger"
	"github.com/coachdesk/filevault/internal/logging"
	"github.com/coachdesk/filevault/internal/scanner"
	"github.com/coachdesk/filevault/internal/server/config"
	"github.com/coachdesk/filevault/internal/server/migrations"
	"github.com/coachdesk/filevault/internal/storage"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	ingestService *ingest.Service
	ledgerService *ledger.Service
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("db migration error: %w", err)
	}

	repo, err := ledger.NewPostgresRepository(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("repository init error: %w", err)
	}

	var sealer storage.Sealer
	if cfg.EncryptionEnabled {
		s, err := storage.NewAESGCMSealer(cfg.EncryptionSecret)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("encryption init error: %w", err)
		}
		sealer = s
	}

	var remote storage.ObjectStore
	if cfg.S3Enabled {
		s3store, err := storage.NewS3Store(ctx, storage.S3Settings{
			RootUser:     cfg.S3RootUser,
			RootPassword: cfg.S3RootPassword,
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			BaseEndpoint: cfg.S3BaseEndpoint,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("object store init error: %w", err)
		}
		remote = s3store
	}

	store := storage.NewManager(cfg.StorageDir, cfg.CDNBaseURL, sealer, remote,
		storage.SystemClock{}, logger)

	daemon := scanner.NewClamdClient(cfg.ScannerAddr, cfg.ScannerTimeout, logger)
	sc := scanner.New(scanner.Config{
		MaxFileSize:       cfg.MaxFileSize,
		CategoryMaxSize:   cfg.CategoryMaxSize,
		MIMECategories:    cfg.MIMECategories,
		BlockedExtensions: cfg.BlockedExtensions,
		QuarantineDir:     cfg.QuarantineDir,
		Required:          cfg.ScannerRequired,
	}, scanner.MimetypeSniffer{}, daemon, logger)

	sanitizer := imagex.New(imagex.Config{
		MaxDimension: cfg.MaxImageDimension,
		MaxPixels:    cfg.MaxImagePixels,
		JPEGQuality:  cfg.JPEGQuality,
		Thumbnails:   cfg.ThumbnailSizes,
	}, logger)

	maxVersions := cfg.MaxVersions
	if !cfg.VersioningEnabled {
		maxVersions = 1
	}
	led := ledger.NewService(repo, store, storage.SystemClock{}, logger,
		maxVersions, cfg.AuditRetention)

	thumbNames := make([]string, 0, len(cfg.ThumbnailSizes))
	for name := range cfg.ThumbnailSizes {
		thumbNames = append(thumbNames, name)
	}
	ing := ingest.NewService(ingest.Config{
		TempDir:        cfg.TempDir,
		QuarantineDir:  cfg.QuarantineDir,
		MaxFileSize:    cfg.MaxFileSize,
		ThumbnailNames: thumbNames,
	}, sc, sanitizer, store, led, logger)

	return &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		ingestService: ing,
		ledgerService: led,
	}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Ingest exposes the pipeline entry point to the transport layer.
func (app *App) Ingest() *ingest.Service {
	return app.ingestService
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runSweep invokes fn every interval until ctx is done.
func (app *App) runSweep(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting file pipeline")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runSweep(ctx, app.config.SweepInterval, func(ctx context.Context) {
			if _, err := app.ledgerService.PurgeExpiredEvents(ctx); err != nil {
				app.logger.Error(ctx, "audit retention sweep failed", "error", err)
			}
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runSweep(ctx, app.config.SweepInterval, func(ctx context.Context) {
			app.ingestService.SweepTemp(ctx, app.config.TempMaxAge)
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runSweep(ctx, app.config.SweepInterval, func(ctx context.Context) {
			app.ingestService.SweepQuarantine(ctx, app.config.QuarantineMaxAge)
		})
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
	app.logger.Info(ctx, "file pipeline stopped")
}
