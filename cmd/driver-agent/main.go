package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/driver-dispatch/internal/auth"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/geolocation"
	httpapi "github.com/example/driver-dispatch/internal/http"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/tracker"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, "driver-agent").With("driver_id", cfg.DriverID)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	user := models.User{ID: cfg.DriverID, Phone: cfg.Phone, Role: auth.RoleDriver}
	token, err := auth.NewJWT(cfg.JWTSecret, 24*time.Hour).GenerateToken(user)
	if err != nil {
		logger.Error("issue token", "error", err)
		os.Exit(1)
	}
	client := httpapi.NewClient(cfg.ServerURL, token)

	sim := geolocation.NewSimulator(geolocation.Config{
		Start:     models.Coord{Lat: cfg.StartLat, Lng: cfg.StartLng},
		FailFirst: cfg.FailFirst,
	})
	tcfg := tracker.DefaultConfig()
	tcfg.HighAccuracyTimeout = cfg.Tracker.HighAccuracyTimeout
	tcfg.LowAccuracyTimeout = cfg.Tracker.LowAccuracyTimeout
	tcfg.FailureThreshold = cfg.Tracker.FailureThreshold
	tcfg.StaleAfter = cfg.Tracker.StaleAfter
	tcfg.WatchInterval = cfg.Tracker.WatchInterval
	tcfg.DistanceFilterM = cfg.Tracker.DistanceFilterM
	tcfg.VehicleType = cfg.VehicleType

	trk := tracker.New(tcfg, tracker.Deps{
		Geolocator: sim,
		Writer:     client,
		Auth:       auth.Static{User: &user},
		Notifier:   logNotifier{logger: logger},
		Logger:     logger,
	})
	defer trk.Close()

	a := &agent{
		tracker:    trk,
		maxTries:   cfg.Tracker.FailureThreshold * 2,
		autoAccept: cfg.AutoAccept,
		trips:      client,
		tripStep:   cfg.TripStep,
		logger:     logger,
	}
	if err := a.bootstrap(ctx); err != nil {
		logger.Error("could not get a location", "error", err)
		os.Exit(1)
	}
	if err := trk.GoOnline(ctx); err != nil {
		logger.Error("go online failed", "error", err)
		os.Exit(1)
	}
	logger.Info("driver online", "server", cfg.ServerURL)

	conn, err := client.DialOffers(ctx)
	if err != nil {
		logger.Warn("offer channel unavailable, tracking only", "error", err)
		<-ctx.Done()
	} else if err := a.serveOffers(ctx, conn); err != nil {
		logger.Warn("offer channel closed", "error", err)
		<-ctx.Done()
	}

	offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := trk.GoOffline(offCtx); err != nil {
		logger.Error("go offline failed", "error", err)
	}
	logger.Info("driver offline", "state", trk.Snapshot().Phase)
}
