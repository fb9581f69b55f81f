// Command tunnel runs one side (client or server) of a p2ptun peer,
// driving NAT discovery, signaling, hole punching, and the session
// multiplexer to completion and then blocking until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodebridge/p2ptun/pkg/config"
	"github.com/nodebridge/p2ptun/pkg/supervisor"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	logLevel   = flag.String("log-level", "", "Override the configured log level")
	syncAt     = flag.String("sync-at", "", "RFC3339 instant to synchronize the hole punch on, overriding the default 10s wall-clock grid (set identically on both peers by an external collaborator)")
)

func main() {
	flag.Parse()

	log.Printf("loading configuration from %s", *configFile)
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	lg := newLogger(cfg, *logLevel)
	entry := logrus.NewEntry(lg).WithFields(logrus.Fields{"id": cfg.ID, "mode": cfg.Mode})

	sup := supervisor.New(cfg, entry)

	if *syncAt != "" {
		t, err := time.Parse(time.RFC3339, *syncAt)
		if err != nil {
			log.Fatalf("invalid -sync-at %q: %v", *syncAt, err)
		}
		sup.SetSyncAt(t)
	}

	log.Printf("bootstrapping tunnel: NAT probe, signaling, hole punch")
	if err := sup.Bootstrap(); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	if err := sup.Start(); err != nil {
		log.Fatalf("failed to start tunnel: %v", err)
	}
	log.Printf("tunnel established, running as %s on port %d", cfg.Mode, cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.Shutdown(ctx)

	log.Println("tunnel stopped")
}

func newLogger(cfg *config.Config, override string) *logrus.Logger {
	lg := logrus.New()
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := cfg.Log.Level
	if override != "" {
		level = override
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	lg.SetLevel(parsed)
	return lg
}
