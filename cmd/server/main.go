package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/geo"
	httpapi "github.com/example/driver-dispatch/internal/http"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/locations"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/offer"
	"github.com/example/driver-dispatch/internal/storage"
	"github.com/example/driver-dispatch/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, "server")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	backend, err := storage.Open(ctx, storage.Options{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisPrefix:   cfg.RedisPrefix,
		PGDSN:         cfg.PGDSN,
	}, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	// optional migration: apply migrations/*.sql in order if requested
	if backend.Postgres != nil && cfg.RunMigrations {
		if err := migrate(ctx, backend.Postgres, "migrations", logger); err != nil {
			logger.Error("migration failed", "error", err)
		}
	}

	ix := geo.NewIndexer(cfg.Geo.Precision)
	locSvc := locations.NewService(ix, backend.Locations, logger)
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		locSvc.Events = producer
		logger.Info("publishing location events", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	estimator := &eta.Estimator{SpeedMps: cfg.DefaultSpeedMps, Cache: eta.NewCache(time.Minute), Logger: logger}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	ws := dispatch.NewWSRegistry(logger)
	finder := matcher.NewFinder(ix, backend.Locations, cfg.Geo.MaxRings, logger)
	m := &matcher.Service{
		Finder:       finder,
		Dispatch:     ws,
		ETA:          estimator,
		DefaultRings: cfg.Geo.DefaultRings,
		TopN:         cfg.MatcherTopN,
		Logger:       logger,
	}

	// outcomes are published before the matcher schedules a re-route
	notifiers := dispatch.Fanout{ws}
	if cfg.RabbitURL != "" {
		rn, err := dispatch.NewRabbitNotifier(cfg.RabbitURL, cfg.RabbitExchange, logger)
		if err != nil {
			return err
		}
		defer rn.Close()
		notifiers = append(notifiers, rn)
	} else {
		notifiers = append(notifiers, dispatch.LogNotifier{Logger: logger})
	}
	notifiers = append(notifiers, m)

	var tripStore storage.TripStore = storage.NewMemoryTripStore()
	if backend.Postgres != nil {
		tripStore = backend.Postgres
	}
	trips := trip.NewService(tripStore, trip.Rates{
		Base:        cfg.Fare.Base,
		PerKm:       cfg.Fare.PerKm,
		PerMinute:   cfg.Fare.PerMinute,
		PlatformFee: cfg.Fare.PlatformFee,
	}, logger)

	offerCfg := offer.Config{
		Timeout:   cfg.Offer.Timeout,
		Retention: cfg.Offer.Retention,
		Notifier:  notifiers,
		Logger:    logger,
		OnTick:    ws.SendTick,
		OnAccepted: func(ctx context.Context, o models.RideOffer) {
			if _, err := trips.StartFromOffer(ctx, o); err != nil {
				logger.Error("could not start trip", "offer_id", o.ID, "driver_id", o.DriverID, "error", err)
			}
		},
	}
	if backend.Postgres != nil {
		offerCfg.Store = backend.Postgres
	}
	m.Offers = offer.NewManager(offerCfg)
	ws.SetResponder(m.Offers)

	api := httpapi.NewServer(httpapi.Deps{
		Locations:    locSvc,
		Finder:       finder,
		Matcher:      m,
		Offers:       m.Offers,
		Trips:        trips,
		WSReg:        ws,
		Auth:         auth.NewJWT(cfg.JWTSecret, cfg.JWTTTL),
		DefaultRings: cfg.Geo.DefaultRings,
		Ready:        backend.Ping,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("driver-dispatch listening", "addr", cfg.HTTPAddr, "store", backend.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		m.Offers.Close()
		m.Wait()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	m.Offers.Close()
	m.Wait()
	return err
}

func migrate(ctx context.Context, pg *storage.PostgresStore, dir string, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := pg.DB().ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(f), err)
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
