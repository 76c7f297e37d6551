package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"flock-sim/internal/api"
	"flock-sim/internal/config"
	"flock-sim/internal/sim"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🐦 ================================")
	log.Println("🐦  FLOCK SIM - GO ENGINE")
	log.Println("🐦 ================================")

	// Load centralized configuration (SSOT - Single Source of Truth)
	appConfig, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	simCfg := appConfig.Sim
	serverCfg := appConfig.Server

	engineCfg, err := appConfig.EngineConfig()
	if err != nil {
		log.Fatalf("❌ Invalid engine configuration: %v", err)
	}
	engine, err := sim.NewEngine(engineCfg)
	if err != nil {
		log.Fatalf("❌ Failed to create engine: %v", err)
	}
	engine.SetObserver(api.MetricsObserver{})

	limits := engine.GetLimits()
	log.Printf("🐦 Config: %d TPS, %.0fx%.0f area, index=%s, perception=%.0f",
		simCfg.TickRate, simCfg.Width, simCfg.Height, engine.IndexKind(), engine.Rules().Perception)
	log.Printf("🛡️ Resource limits: %d agents, %d per snapshot, %d per spawn call",
		limits.MaxAgents, limits.MaxSnapshotAgents, appConfig.Limits.MaxSpawnPerCall)

	if n := engine.SpawnAgents(simCfg.InitialAgents); n > 0 {
		log.Printf("🐣 Spawned %d agents", n)
	}

	// Start event log
	if path := appConfig.EventLog.Path; path != "" {
		if err := engine.StartEventLog(path); err != nil {
			log.Printf("⚠️ Event log disabled: %v", err)
		} else {
			log.Printf("📝 Event log: %s", path)
		}
	}

	// Start debug server
	debugCfg := api.DefaultObservabilityConfig()
	debugCfg.Enabled = appConfig.Debug.Enabled
	if appConfig.Debug.Addr != "" {
		debugCfg.ListenAddr = appConfig.Debug.Addr
	}
	debugCfg.BasicAuthUser = os.Getenv("DEBUG_USER")
	debugCfg.BasicAuthPass = os.Getenv("DEBUG_PASS")
	if err := api.StartDebugServer(debugCfg); err != nil {
		log.Printf("⚠️ Debug server disabled: %v", err)
	}

	adminToken := os.Getenv("ADMIN_TOKEN")
	if adminToken != "" {
		log.Println("🔐 Admin token ENABLED for mutating routes")
	} else {
		log.Println("⚠️ Admin token DISABLED (set ADMIN_TOKEN to protect mutating routes)")
	}

	server := api.NewServer(engine, api.ServerConfig{
		RateLimit: api.RateLimitConfig{
			RequestsPerSecond: serverCfg.RequestsPerSec,
			Burst:             serverCfg.Burst,
		},
		CORSOrigins:     serverCfg.AllowedOrigins,
		AdminToken:      adminToken,
		MaxSpawnPerCall: appConfig.Limits.MaxSpawnPerCall,
		BroadcastHz:     serverCfg.BroadcastHz,
	})

	// Start flock engine
	engine.Start()

	// Start API server in goroutine
	go func() {
		addr := ":" + strconv.Itoa(serverCfg.Port)
		log.Printf("🌐 API server on http://localhost%s", addr)
		log.Printf("📡 WebSocket: ws://localhost%s/ws (add ?format=msgpack for binary)", addr)

		if err := server.Start(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	engine.Stop()
	engine.StopEventLog()
	log.Println("👋 Goodbye!")
}
