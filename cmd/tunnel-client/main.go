package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/irctrakz/apptunnel/pkg/client"
	"github.com/irctrakz/apptunnel/pkg/config"
	"github.com/irctrakz/apptunnel/pkg/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("TUNNEL_CONFIG"), "path to config file (yaml or json)")
	serverAddr := flag.String("server", "", "tunnel server host:port (overrides config)")
	username := flag.String("user", "", "username (overrides config)")
	proxyListen := flag.String("proxy", "", "local HTTP proxy bind address (overrides config)")
	flag.Parse()

	dval := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG")))
	debugOn := dval == "1" || dval == "true" || dval == "yes" || dval == "on"

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if *serverAddr != "" {
		cfg.Client.ServerAddr = *serverAddr
	}
	if *username != "" {
		cfg.Client.Username = *username
	}
	if *proxyListen != "" {
		cfg.Client.ProxyListen = *proxyListen
	}
	if debugOn {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("logging: %v", err)
	}
	if cfg.Client.Username == "" || cfg.Client.Password == "" {
		log.Fatalf("config: username and password required (set client section or CLIENT_USERNAME/CLIENT_PASSWORD)")
	}

	ccfg := client.DefaultConfig()
	ccfg.ServerAddr = cfg.Client.ServerAddr
	ccfg.Username = cfg.Client.Username
	ccfg.Password = cfg.Client.Password
	ccfg.MaxResponseSize = cfg.Server.MaxResponseSize
	ccfg.KeepaliveInterval = time.Duration(cfg.Client.KeepaliveSec) * time.Second

	c := client.New(ccfg)
	if err := c.Connect(); err != nil {
		// Run retries with backoff; log the first failure and keep going.
		logging.Warnf("initial connect failed: %v", err)
	}

	proxy := client.NewProxy(c, cfg.Client.ProxyListen)
	if err := proxy.Start(); err != nil {
		log.Fatalf("proxy: %v", err)
	}
	defer proxy.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	cancel()
	c.Close()
	logging.Infof("shutting down")
}
