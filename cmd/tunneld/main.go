package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/irctrakz/apptunnel/pkg/auth"
	"github.com/irctrakz/apptunnel/pkg/config"
	"github.com/irctrakz/apptunnel/pkg/logging"
	"github.com/irctrakz/apptunnel/pkg/tunnel"
)

func main() {
	configPath := flag.String("config", os.Getenv("TUNNEL_CONFIG"), "path to config file (yaml or json)")
	flag.Parse()

	// Debug logging toggle via DEBUG env (truthy parser)
	dval := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG")))
	debugOn := dval == "1" || dval == "true" || dval == "yes" || dval == "on"
	metricsEnabled := strings.TrimSpace(os.Getenv("METRICS_LOG")) != "" || strings.TrimSpace(os.Getenv("METRICS_INTERVAL")) != ""

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if debugOn {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("logging: %v", err)
	}
	if len(cfg.Auth.Users) == 0 {
		log.Fatalf("config: no users configured (set auth.users or AUTH_USERS)")
	}

	handler, err := auth.NewHandler(cfg.Auth.Users)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	srv, err := tunnel.NewServer(tunnel.ServerConfig{
		ListenAddr: cfg.Server.Listen,
		MaxClients: cfg.Server.MaxClients,
		Params:     cfg.Params(),
		Auth:       handler,
	})
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("server start: %v", err)
	}
	defer srv.Stop()
	logging.Infof("tunnel server listening on %s", srv.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Re-apply the logging section when the config file changes
	if *configPath != "" {
		go config.Watch(ctx, *configPath, cfg)
	}

	// Optional periodic metrics reporter
	if metricsEnabled {
		go runMetricsReporter(ctx, srv)
	}

	// Health check endpoint
	healthAddr := strings.TrimSpace(os.Getenv("HEALTH_ADDR"))
	if healthAddr == "" {
		healthAddr = ":8081"
	}
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		if err := http.ListenAndServe(healthAddr, nil); err != nil {
			logging.Warnf("health endpoint: %v", err)
		}
	}()

	// Wait for termination
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logging.Infof("shutting down")
}
