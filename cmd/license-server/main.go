// The license-server binary exposes the license subsystem to the application
// shell over a local JSON API. It is the process boundary between the UI
// layer and the encrypted durable stores.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"clinickey/internal/config"
	"clinickey/internal/infrastructure"
	"clinickey/internal/license"
	appmiddleware "clinickey/internal/middleware"
	"clinickey/internal/security"
	httptransport "clinickey/internal/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("license server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	paths, err := config.ResolvePaths(cfg.Paths)
	if err != nil {
		return err
	}

	crypto, err := security.NewCryptoService(security.CryptoConfig{
		EncryptionKey: config.LicenseEncryptionKey,
		SigningKey:    config.LicenseSigningKey,
		Iterations:    config.PBKDF2Iterations,
	})
	if err != nil {
		return err
	}

	registry, err := license.OpenRegistry(paths.RegistryFile, crypto, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	storage := license.NewStorage(paths.LicenseFile, crypto, logger)
	fingerprints := security.NewFingerprintGenerator(logger)

	// OpenTelemetry metrics exported through Prometheus
	promRegistry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(promRegistry))
	if err != nil {
		return fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer meterProvider.Shutdown(context.Background())

	metrics, err := license.InitMetrics(meterProvider.Meter(license.MeterName))
	if err != nil {
		return fmt.Errorf("failed to initialize license metrics: %w", err)
	}

	manager := license.NewManager(fingerprints, crypto, registry, storage, logger,
		license.WithMetrics(metrics),
		license.WithActivationLimit(cfg.License.ActivationRPM, cfg.License.ActivationBurst),
		license.WithExpiryWarningDays(cfg.License.ExpiryWarningDays),
	)

	gate := appmiddleware.NewLicenseGate(manager, logger, cfg.License.RevalidateEvery)
	handler := httptransport.NewLicenseHandler(manager, logger)

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(gate.Handler)

	router.Mount("/api/license", handler.Routes())
	router.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("license server listening",
			slog.String("addr", server.Addr),
			slog.String("data_dir", paths.DataDir),
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down license server")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
