package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/config"
	routesystem "github.com/chirino/thread-sync/internal/plugin/route/system"
	"github.com/chirino/thread-sync/internal/refstore"
	registryroute "github.com/chirino/thread-sync/internal/registry/route"
	"github.com/chirino/thread-sync/internal/security"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server holds the running reference store.
type Server struct {
	Config *config.Config
	Store  *refstore.Store
	Router *gin.Engine
	Addr   net.Addr
	Port   int

	http *http.Server
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// NewRouter builds the gin engine with middleware and every registered route
// plugin mounted against store.
func NewRouter(cfg *config.Config, store *refstore.Store) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.AccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/healthz", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	resolver := security.NewTokenResolver(cfg.ServerTokens)
	env := registryroute.Env{Store: store, Auth: security.AuthMiddleware(resolver)}
	if err := registryroute.Mount(router, env); err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}
	return router, nil
}

// StartServer initializes the reference store and starts serving HTTP/1.1
// and h2c on cfg.Port. Use Port 0 for a random port; the bound port is
// Server.Port.
func StartServer(_ context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting reference thread store", "port", cfg.Port, "routes", strings.Join(registryroute.Names(), ","))

	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	gin.SetMode(gin.ReleaseMode)
	store := refstore.New()
	router, err := NewRouter(cfg, store)
	if err != nil {
		return nil, err
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	httpServer := &http.Server{
		Handler:           h2c.NewHandler(router, &http2.Server{}),
		ReadHeaderTimeout: durationOr(cfg.ReadHeaderTimeout, 5*time.Second),
	}
	go func() {
		if err := httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "err", err)
		}
	}()

	port := 0
	if tcp, ok := lis.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	log.Info("Server listening", "port", port)

	routesystem.MarkReady()
	return &Server{
		Config: cfg,
		Store:  store,
		Router: router,
		Addr:   lis.Addr(),
		Port:   port,
		http:   httpServer,
	}, nil
}
