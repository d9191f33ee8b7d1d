package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	logs "github.com/danmuck/psbcast/internal/logging"
	"github.com/danmuck/psbcast/internal/node"
	"github.com/danmuck/psbcast/internal/observability"
)

const version = "0.1.0"

// Config controls the client-facing HTTP listener.
type Config struct {
	Addr          string
	CORSOrigins   []string
	SubmitTimeout time.Duration
	// SubmitToken, when set, is required as a bearer token on POST /updates.
	SubmitToken string
}

func DefaultConfig() Config {
	return Config{
		Addr:          "127.0.0.1:8080",
		SubmitTimeout: 5 * time.Second,
	}
}

// Gateway serves client updates and replica status over HTTP.
type Gateway struct {
	node    node.Node
	cfg     Config
	router  *gin.Engine
	started time.Time
}

func New(n node.Node, cfg Config) *Gateway {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(n.NodeID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(cfg.CORSOrigins),
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	g := &Gateway{node: n, cfg: cfg, router: r, started: time.Now()}
	g.registerRoutes()
	return g
}

func (g *Gateway) Handler() http.Handler { return g.router }

// Serve listens on cfg.Addr until ctx is done, then shuts down gracefully.
func (g *Gateway) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           g.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("gateway.Gateway.Serve node=%s addr=%s", g.node.NodeID(), g.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logs.Warnf("gateway.Gateway.Serve shutdown: %v", err)
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
