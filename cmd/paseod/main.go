// Package main is the paseo host daemon. One process owns the agents,
// terminals, checkout watchers, and the WebSocket surface clients
// connect to.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/agent"
	"github.com/paseo-sh/paseo/internal/agent/provider/registry"
	"github.com/paseo-sh/paseo/internal/checkout"
	"github.com/paseo-sh/paseo/internal/common/config"
	"github.com/paseo-sh/paseo/internal/common/httpmw"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events"
	"github.com/paseo-sh/paseo/internal/files"
	"github.com/paseo-sh/paseo/internal/home"
	"github.com/paseo-sh/paseo/internal/hub"
	"github.com/paseo-sh/paseo/internal/mcpbridge"
	"github.com/paseo-sh/paseo/internal/permission"
	"github.com/paseo-sh/paseo/internal/store"
	"github.com/paseo-sh/paseo/internal/terminal"
	"github.com/paseo-sh/paseo/internal/tracing"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "paseod: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	h, err := home.Resolve()
	if err != nil {
		return fmt.Errorf("resolving home: %w", err)
	}

	cfg, err := config.Load(h.Dir())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		FilePath: h.DaemonLogPath(),
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting paseod",
		zap.String("version", version),
		zap.String("server_id", h.ServerID()),
		zap.String("home", h.Dir()))

	tracing.Init(cfg.Tracing)
	defer tracing.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory unless NATS is configured.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("initializing event bus: %w", err)
	}
	defer busCleanup()
	eventBus := provided.Bus

	st, err := store.Open(cfg.Storage, h.StateDBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	broker := permission.NewBroker(cfg.Permissions.Timeout(), log)
	factory := registry.NewFactory(cfg.Providers, log)

	// The bridge and the manager reference each other: the manager asks
	// for per-agent MCP URLs at spawn time, the bridge resolves set_title
	// against the manager. Late-bind the bridge through a closure.
	var bridge *mcpbridge.Bridge
	mgr := agent.NewManager(st, factory, broker, eventBus, log, agent.Options{
		TimelineMaxItems: cfg.Timeline.MaxItems,
		MCPServerURL: func(agentID string) string {
			if bridge == nil {
				return ""
			}
			return bridge.URL(agentID)
		},
	})
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}

	terminals := terminal.NewService(cfg.Terminal, eventBus, log)
	checkouts := checkout.NewService(cfg.Checkout, eventBus, log)
	downloads := files.NewDownloads()

	sessionHub, err := hub.New(hub.Options{
		ServerID:       h.ServerID(),
		Version:        version,
		Agents:         mgr,
		Terminals:      terminals,
		Checkouts:      checkouts,
		Downloads:      downloads,
		Store:          st,
		Bus:            eventBus,
		Logger:         log,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "paseod"))
	router.Use(httpmw.OtelTracing("paseod"))

	router.GET("/ws", sessionHub.ServeWS)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"serverId": h.ServerID(),
			"version":  version,
		})
	})

	if cfg.MCP.Enabled {
		baseURL := httpBaseURL(cfg.Server.Address)
		if baseURL == "" {
			log.Warn("mcp bridge disabled: listener has no HTTP base URL",
				zap.String("address", cfg.Server.Address))
		} else {
			bridge = mcpbridge.New(mgr, baseURL, log)
			if err := bridge.RegisterRoutes(router, eventBus); err != nil {
				return fmt.Errorf("mounting mcp bridge: %w", err)
			}
			defer bridge.Close(context.Background())
		}
	}

	ln, err := listen(cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.Server.Address, err)
	}

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("listening", zap.String("address", cfg.Server.Address))
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	sessionHub.Close()
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Error("agent manager shutdown error", zap.Error(err))
	}
	if err := terminals.Close(shutdownCtx); err != nil {
		log.Error("terminal shutdown error", zap.Error(err))
	}
	checkouts.Close()

	log.Info("stopped")
	return nil
}

// listen binds the configured address: "host:port", bare ":port", or
// "unix:/path/to.sock". A stale socket file from a previous run is
// removed before binding.
func listen(address string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(address, "unix:"); ok {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", address)
}

// httpBaseURL derives the HTTP root providers use to reach the MCP
// bridge. UNIX socket listeners have none.
func httpBaseURL(address string) string {
	if strings.HasPrefix(address, "unix:") {
		return ""
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, port))
}
