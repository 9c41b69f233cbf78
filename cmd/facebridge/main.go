package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/facebridge/internal/admin"
	"github.com/banshee-data/facebridge/internal/config"
	"github.com/banshee-data/facebridge/internal/console"
	"github.com/banshee-data/facebridge/internal/monitoring"
	"github.com/banshee-data/facebridge/internal/orchestrator"
	"github.com/banshee-data/facebridge/internal/recovery"
	"github.com/banshee-data/facebridge/internal/rules"
	"github.com/banshee-data/facebridge/internal/store"
	"github.com/banshee-data/facebridge/internal/tracking"
	"github.com/banshee-data/facebridge/internal/version"
	"github.com/banshee-data/facebridge/internal/vts"
)

var (
	configFile  = flag.String("config", "", "Path to JSON config file (see config/facebridge.example.json)")
	logLevel    = flag.String("log-level", "ops", "Log streams written to stderr: ops, diag, trace or off")
	phoneIP     = flag.String("phone-ip", "", "IP address of the phone running the tracking app (overrides config)")
	listenPort  = flag.Int("listen-port", 0, "Local UDP port for tracking data (overrides config)")
	rulesPath   = flag.String("rules", "", "Path to the rules file (overrides config)")
	vtsHost     = flag.String("vts-host", "", "Avatar app host (overrides config)")
	vtsPort     = flag.Int("vts-port", 0, "Avatar app API port (overrides config)")
	noDiscovery = flag.Bool("no-discovery", false, "Connect to the configured avatar port without listening for discovery broadcasts")
	dbPath      = flag.String("db", "", "SQLite database for tokens and preferences; empty keeps them in memory (overrides config)")
	adminListen = flag.String("admin-listen", "", "Admin HTTP listen address, e.g. localhost:8090; empty disables (overrides config)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC health listen address; empty disables (overrides config)")
	replayFile  = flag.String("replay", "", "Replay tracking datagrams from a pcap capture")
	replaySpeed = flag.Float64("replay-speed", 1.0, "Replay speed multiplier; 0 replays as fast as possible")
	noConsole   = flag.Bool("no-console", false, "Disable the interactive status screen")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads -config (if given) and applies flag overrides.
func loadConfig() (*config.BridgeConfig, error) {
	cfg := &config.BridgeConfig{}
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return nil, err
		}
	}

	config.SetString(&cfg.PhoneIP, *phoneIP)
	config.SetInt(&cfg.ListenPort, *listenPort)
	config.SetString(&cfg.RulesPath, *rulesPath)
	config.SetString(&cfg.VTSHost, *vtsHost)
	config.SetInt(&cfg.VTSPort, *vtsPort)
	config.SetString(&cfg.DBPath, *dbPath)
	config.SetString(&cfg.AdminListen, *adminListen)
	config.SetString(&cfg.GRPCListen, *grpcListen)
	if *noDiscovery {
		off := false
		cfg.Discovery = &off
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func recoveryConfig(cfg *config.BridgeConfig) recovery.Config {
	return recovery.Config{
		InitialDelay: cfg.GetRecoveryInitialDelay(),
		MaxDelay:     cfg.GetRecoveryMaxDelay(),
		Multiplier:   cfg.GetRecoveryMultiplier(),
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	writers, err := monitoring.WritersForLevel(*logLevel, os.Stderr)
	if err != nil {
		log.Fatalf("invalid -log-level: %v", err)
	}
	monitoring.SetLogWriters(writers)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	monitoring.Opsf("Starting %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	prefs, err := store.NewPreferences(ctx, db)
	if err != nil {
		log.Fatalf("failed to load preferences: %v", err)
	}

	source := tracking.NewSource(tracking.Config{
		PhoneIP:        cfg.GetPhoneIP(),
		PhonePort:      cfg.GetPhonePort(),
		ListenPort:     cfg.GetListenPort(),
		ReceiveTimeout: cfg.GetReceiveTimeout(),
		SentBy:         version.AppName,
	})
	sink := vts.NewClient(vts.Config{
		Host:            cfg.GetVTSHost(),
		Port:            cfg.GetVTSPort(),
		Discovery:       cfg.GetDiscovery(),
		DiscoveryPort:   cfg.GetDiscoveryPort(),
		PluginName:      cfg.GetPluginName(),
		PluginDeveloper: cfg.GetPluginDeveloper(),
		Tokens:          db.Tokens(),
	})
	engine := rules.NewEngine(rules.EngineConfig{})

	history := admin.NewHistory(admin.DefaultHistorySize)
	healthService := admin.NewHealthService()
	actions := console.NewActions()

	var (
		reporter orchestrator.StatusReporter
		keys     orchestrator.KeyPoller
	)
	if !*noConsole {
		reporter = console.NewDisplay(os.Stdout, true, actions, func() console.Settings {
			return orchestrator.DisplaySettings(prefs.Get())
		})
		keys = console.NewKeyboard(os.Stdin)
	}

	orch := orchestrator.New(orchestrator.Config{
		RulesPath:           cfg.GetRulesPath(),
		Source:              source,
		Sink:                sink,
		Engine:              engine,
		Preferences:         prefs,
		Actions:             actions,
		Keyboard:            keys,
		Reporter:            reporter,
		Editor:              cfg.GetEditor(),
		RequestInterval:     cfg.GetRequestInterval(),
		StatusInterval:      cfg.GetStatusInterval(),
		HealthCheckInterval: cfg.GetHealthCheckInterval(),
		Recovery:            recovery.ExponentialFactory(recoveryConfig(cfg)),
		OnForward:           history.Record,
		OnHealth:            healthService.Update,
		OnRulesReloaded:     history.Reset,
	})
	defer orch.Close()

	if err := orch.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize pipeline: %v", err)
	}

	var wg sync.WaitGroup

	if addr := cfg.GetAdminListen(); addr != "" {
		server := admin.NewServer(admin.Config{
			Status:    orch.Status,
			History:   history,
			Attachers: []admin.RouteAttacher{db},
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ListenAndServe(ctx, addr); err != nil {
				monitoring.Opsf("admin server error: %v", err)
			}
		}()
	}

	if addr := cfg.GetGRPCListen(); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthService.Serve(ctx, addr); err != nil {
				monitoring.Opsf("gRPC health server error: %v", err)
			}
		}()
	}

	if *replayFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := source.Replay(ctx, *replayFile, *replaySpeed); err != nil && ctx.Err() == nil {
				monitoring.Opsf("replay of %s failed: %v", *replayFile, err)
				return
			}
			monitoring.Diagf("replay of %s finished", *replayFile)
		}()
	}

	exitCode := 0
	if err := orch.Run(ctx); err != nil {
		monitoring.Opsf("pipeline stopped: %v", err)
		exitCode = 1
	}

	stop()
	wg.Wait()
	monitoring.Opsf("Graceful shutdown complete")
	if exitCode != 0 {
		orch.Close()
		db.Close()
		os.Exit(exitCode)
	}
}
