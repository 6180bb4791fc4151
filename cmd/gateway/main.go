// Command gateway runs the LLM usage gateway: it forwards client requests to
// the configured upstream API and records token usage from the responses.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymesh/usage-gateway/internal/config"
	"github.com/relaymesh/usage-gateway/internal/proxy"
	"github.com/relaymesh/usage-gateway/internal/usagelog"
)

func main() {
	var (
		configPath string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "gateway.yaml", "path to config file")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	// .env is optional; explicit environment always wins.
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config '%s': %v\n", configPath, err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging.Level, debug)

	store, err := usagelog.NewSQLiteStore(cfg.Usage.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Usage.DBPath).Msg("failed to open usage database")
	}
	worker := usagelog.NewWorker(store, cfg.Usage.QueueSize, cfg.Usage.EstimateTokens)
	processor := proxy.NewProcessor(worker, cfg.Proxy.MaxResponseBytes)
	gw := proxy.NewGateway(cfg, processor)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     gw.Routes(),
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// Write timeout must outlast the longest stream.
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("upstream", cfg.Upstream.BaseURL).
			Str("dialect", cfg.Upstream.Dialect).
			Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server failed")
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}

	// Drain pending usage records before closing the store.
	worker.Close()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close usage database")
	}
}

// loadConfig reads the config file; a missing file yields defaults so the
// gateway can start from environment alone.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &config.Config{}
		cfg.ApplyDefaults()
		if base := os.Getenv("UPSTREAM_BASE_URL"); base != "" {
			cfg.Upstream.BaseURL = base
		}
		if d := os.Getenv("UPSTREAM_DIALECT"); d != "" {
			cfg.Upstream.Dialect = d
		}
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func setupLogging(level string, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
