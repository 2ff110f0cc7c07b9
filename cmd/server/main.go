package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gerbilphysics/awards/internal/award"
	"github.com/gerbilphysics/awards/internal/config"
	"github.com/gerbilphysics/awards/internal/frontend"
	"github.com/gerbilphysics/awards/internal/ingest"
	"github.com/gerbilphysics/awards/internal/ledger"
	"github.com/gerbilphysics/awards/internal/mock"
	"github.com/gerbilphysics/awards/internal/ws"
)

func main() {
	demoMode := flag.Bool("demo", false, "Feed the engine from the scripted demo playthrough")
	devMode := flag.Bool("dev", false, "Development mode (serve dashboard from filesystem)")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	for _, change := range config.Diff(config.Default(), cfg) {
		log.Printf("Config override: %s", change)
	}

	// Binding beyond loopback without a token would expose session control
	// and the event feed to the local network.
	if cfg.Server.Token == "" && !isLoopback(cfg.Server.Host) {
		token, err := config.GenerateToken()
		if err != nil {
			log.Fatalf("Failed to generate access token: %v", err)
		}
		cfg.Server.Token = token
		log.Printf("No token configured for non-loopback bind %s, generated one: %s", cfg.Server.Host, token)
	}

	stateDir := cfg.Storage.StateDir
	if stateDir == "" {
		stateDir = award.DefaultStateDir()
	}
	ledgerPath := cfg.Storage.LedgerPath
	if ledgerPath == "" {
		ledgerPath = filepath.Join(stateDir, "ledger.db")
	}
	if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o700); err != nil {
		log.Fatalf("Failed to create state directory: %v", err)
	}

	ledg, err := ledger.Open(ledgerPath)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	defer ledg.Close()
	if err := ledg.Migrate(); err != nil {
		log.Fatalf("Failed to migrate ledger: %v", err)
	}

	engine := award.NewEngine()
	broadcaster := ws.NewBroadcaster(engine, cfg.Server.BroadcastThrottle, cfg.Server.SnapshotInterval, cfg.Server.MaxClients)
	broadcaster.SetUnlockSource(func() map[string]time.Time {
		times, err := ledg.UnlockTimes()
		if err != nil {
			log.Printf("Failed to read unlock times: %v", err)
			return nil
		}
		return times
	})

	sink := ledger.NewSink(ledg, broadcaster)
	health := award.NewSinkHealth(sink, 0, func(status award.HealthStatus, consecutive int, lastErr string) {
		log.Printf("Sink health is now %s (%d consecutive failures)", status, consecutive)
		broadcaster.HealthAlert("sink", status, consecutive, lastErr)
	})
	engine.SetSink(health)

	tracker, err := award.NewTracker(engine, award.NewSnapshotStore(stateDir), cfg.Engine.Heartbeat, cfg.Engine.StartupDelay, cfg.Engine.SaveInterval)
	if err != nil {
		log.Fatalf("Failed to restore facts: %v", err)
	}
	tracker.OnApplied(func(m award.Mutation) {
		broadcaster.QueueFactChange(m)
		if m.Metric == award.LevelCompletedTimer {
			recordBestTime(ledg, engine, sink, broadcaster)
		}
	})

	// Refires from restored facts need a session to land in; the restored
	// per-session facts themselves must survive, so this does not reset the
	// tracker.
	bootID, err := ledg.StartSession("", time.Now())
	if err != nil {
		log.Fatalf("Failed to record boot session: %v", err)
	}
	sink.SetSession(bootID)
	broadcaster.SessionStarted(bootID, "")

	startSession := func(label string) (string, error) {
		id, err := ledg.StartSession(label, time.Now())
		if err != nil {
			return "", err
		}
		sink.SetSession(id)
		tracker.StartSession()
		broadcaster.SessionStarted(id, label)
		log.Printf("Session started: %s (label=%q)", id, label)
		return id, nil
	}

	server := ws.NewServer(engine, tracker, ledg, broadcaster, cfg.Server.AllowedOrigins, cfg.Server.Token)
	server.SetHealth(health)
	server.SetSessionStarter(startSession)

	frontendDir := ""
	if *devMode {
		cwd, _ := os.Getwd()
		frontendDir = filepath.Join(cwd, "internal", "frontend", "static")
		if _, err := os.Stat(frontendDir); os.IsNotExist(err) {
			log.Printf("Dashboard directory not found: %s", frontendDir)
		}
	}

	// Embedded dashboard handler: when built with -tags embed, serves from
	// the binary. Otherwise falls back to serving from the filesystem.
	var embeddedHandler http.Handler
	if !*devMode {
		embeddedHandler = frontend.Handler()
		if embeddedHandler == nil {
			cwd, _ := os.Getwd()
			fallback := filepath.Join(cwd, "internal", "frontend", "static")
			if _, err := os.Stat(fallback); err == nil {
				log.Printf("No embedded dashboard, serving from: %s", fallback)
				embeddedHandler = http.FileServer(http.Dir(fallback))
			}
		}
	}
	server.SetFrontend(*devMode, frontendDir, embeddedHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trackerDone := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(trackerDone)
	}()

	if *demoMode {
		log.Println("Starting in demo mode (scripted playthrough)")
		mock.NewGenerator(tracker, startSession).Start(ctx)
	}

	if cfg.Ingest.Enabled {
		spoolDir := cfg.Ingest.SpoolDir
		if spoolDir == "" {
			spoolDir = filepath.Join(stateDir, "spool")
		}
		log.Printf("Watching spool directory: %s", spoolDir)
		ing := ingest.NewIngestor(tracker, []ingest.Source{ingest.NewSpoolSource(spoolDir, 0)}, cfg.Ingest.PollInterval)
		ing.SetSessionStarter(startSession)
		ing.OnHealthChange(func(source string, status award.HealthStatus, consecutive int, lastErr string) {
			log.Printf("Source %s health is now %s (%d consecutive failures)", source, status, consecutive)
			broadcaster.HealthAlert(source, status, consecutive, lastErr)
		})
		go ing.Run(ctx)
	}

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		// The tracker flushes facts to disk on the way out.
		<-trackerDone
		broadcaster.Stop()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// recordBestTime persists the just-completed level's time if it beats the
// stored best, and announces improvements. Runs on the tracker goroutine via
// OnApplied, after the completion facts have been applied.
func recordBestTime(ledg *ledger.Ledger, engine *award.Engine, sink *ledger.Sink, broadcaster *ws.Broadcaster) {
	level := engine.Label(award.LevelCompletedName)
	seconds := engine.Seconds(award.LevelCompletedTimer)
	if level == "" || seconds <= 0 {
		return
	}

	now := time.Now().UTC()
	improved, err := ledg.RecordBestTime(level, seconds, sink.Session(), now)
	if err != nil {
		log.Printf("Failed to record best time for %s: %v", level, err)
		return
	}
	if improved {
		log.Printf("New best time for %s: %.2fs", level, seconds)
		broadcaster.BestTime(level, seconds, sink.Session(), now)
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
