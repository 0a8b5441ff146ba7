package main

import (
	"fleettrack-svr/internal/config"
	"fleettrack-svr/internal/dispatcher"
	"fleettrack-svr/internal/fleet"
	"fleettrack-svr/internal/observability"
	"fleettrack-svr/internal/server"
	"fleettrack-svr/internal/store"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger()
	logger.Info("starting fleettrack-svr",
		"tcp_port", cfg.TCPPort, "http_port", cfg.HTTPPort, "metrics_port", cfg.MetricsPort)

	rdb, err := store.InitRedis(cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Error("redis init failed", "error", err)
		return
	}
	logger.Info("redis connected", "addr", cfg.RedisAddr, "db", cfg.RedisDB)

	positions := store.NewPositionStore(rdb)
	locks := store.NewLeaseLocker(rdb)
	detector := fleet.NewAnomalyDetector(cfg.VelocityLoggingActive, cfg.VelocityThresholdKmh, logger)
	estimator := fleet.NewEstimator(cfg.InterpolationActive, cfg.InterpolationThresholdMt)
	svc := fleet.NewService(positions, locks, detector, estimator,
		cfg.NumberOfRetries, cfg.RetriesInterval, logger)

	hub := server.NewWSHub(logger)
	svc.OnAccepted = hub.Broadcast

	go observability.StartMetricsServer(cfg.MetricsPort)

	api := server.NewAPI(svc, hub, cfg.TrailHorizon, logger)
	go func() {
		if err := server.StartHTTP(":"+cfg.HTTPPort, api.Routes()); err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	d := dispatcher.New(svc, logger)
	if err := server.StartTCP(":"+cfg.TCPPort, d, logger); err != nil {
		logger.Error("TCP server failed", "error", err)
	}
}
