// Package api is the control and dashboard surface: a gin REST API with JWT
// bearer auth, a WebSocket hub streaming engine events, and the Prometheus
// scrape endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/events"
	"multibroker-trading-bot/internal/features"
	"multibroker-trading-bot/internal/metrics"
	"multibroker-trading-bot/internal/reconcile"
	"multibroker-trading-bot/internal/state"
)

// Reconciler is the slice of the reconciler the API drives. Satisfied by
// *reconcile.Reconciler.
type Reconciler interface {
	ReconcileNow(ctx context.Context) (reconcile.Result, error)
	EmergencySync(ctx context.Context) error
	History() []reconcile.Drift
	Stats() reconcile.Stats
}

// Config tunes the HTTP server.
type Config struct {
	Host           string
	Port           int
	JWTSecret      string // empty disables auth
	AllowedOrigins []string
}

// Deps are the engine components the API exposes.
type Deps struct {
	State      *state.Manager
	Reconciler Reconciler // may be nil
	Flags      *features.Manager
	Bus        *events.Bus
	Metrics    *metrics.Metrics // may be nil
}

// Server is the HTTP control plane.
type Server struct {
	cfg        Config
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	hub        *WSHub
	log        zerolog.Logger

	startedAt time.Time
}

// NewServer wires routes, the dashboard hub and the event feeds.
func NewServer(cfg Config, deps Deps, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		router:    gin.New(),
		hub:       NewWSHub(log),
		log:       log.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}

	s.router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	s.router.Use(cors.New(corsCfg))

	s.routes()
	s.feedHub()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	s.router.GET("/ws", s.hub.handleWS)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	apiGroup := s.router.Group("/api")
	if s.cfg.JWTSecret != "" {
		apiGroup.Use(authMiddleware(s.cfg.JWTSecret))
	}
	apiGroup.GET("/status", s.handleStatus)
	apiGroup.GET("/state", s.handleState)
	apiGroup.GET("/drift", s.handleDrift)
	apiGroup.POST("/pause", s.handlePause)
	apiGroup.POST("/resume", s.handleResume)
	apiGroup.POST("/reconcile-now", s.handleReconcileNow)
	apiGroup.POST("/emergency-sync", s.handleEmergencySync)
}

// feedHub bridges the event bus and state listener onto the dashboard stream.
func (s *Server) feedHub() {
	if s.deps.Bus != nil {
		s.deps.Bus.SubscribeAll(func(e events.Event) {
			s.hub.Broadcast(string(e.Type), e.Data)
		})
	}
	if s.deps.State != nil {
		s.deps.State.Subscribe(func(op string, snap state.AccountState) {
			s.hub.Broadcast("state_update", stateView(snap))
		})
	}
}

// Run starts the hub and serves until the context ends.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("api listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// stateView is the wire shape of an account snapshot.
func stateView(snap state.AccountState) gin.H {
	return gin.H{
		"balance":         snap.Balance,
		"totalBalance":    snap.TotalBalance,
		"inPosition":      snap.InPosition,
		"position":        snap.Position,
		"entryPrice":      snap.EntryPrice,
		"entryTime":       snap.EntryTime,
		"activeTrades":    snap.TradesInOrder(),
		"realizedPnL":     snap.RealizedPnL,
		"unrealizedPnL":   snap.UnrealizedPnL,
		"totalPnL":        snap.TotalPnL(),
		"tradeCount":      snap.TradeCount,
		"dailyTradeCount": snap.DailyTradeCount,
		"isTrading":       snap.IsTrading,
		"recoveryMode":    snap.RecoveryMode,
		"lastUpdate":      snap.LastUpdateMs,
		"pausedAt":        snap.PausedAt,
		"pauseReason":     snap.PauseReason,
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.deps.State.Snapshot()
	status := gin.H{
		"mode":       s.deps.Flags.Mode(),
		"tier":       s.deps.Flags.Tier(),
		"isTrading":  snap.IsTrading,
		"recovery":   snap.RecoveryMode,
		"uptimeSec":  int64(time.Since(s.startedAt).Seconds()),
		"wsClients":  s.hub.ClientCount(),
		"flagsCount": len(s.deps.Flags.Snapshot()),
	}
	if s.deps.Reconciler != nil {
		status["reconcile"] = s.deps.Reconciler.Stats()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, stateView(s.deps.State.Snapshot()))
}

func (s *Server) handleDrift(c *gin.Context) {
	if s.deps.Reconciler == nil {
		c.JSON(http.StatusOK, gin.H{"history": []reconcile.Drift{}, "stats": reconcile.Stats{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history": s.deps.Reconciler.History(),
		"stats":   s.deps.Reconciler.Stats(),
	})
}

func (s *Server) handlePause(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "operator request"
	}
	if err := s.deps.State.PauseTrading(body.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.PublishPaused(body.Reason)
	}
	c.JSON(http.StatusOK, gin.H{"paused": true, "reason": body.Reason})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.deps.State.ResumeTrading(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.PublishResumed()
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleReconcileNow(c *gin.Context) {
	if s.deps.Reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not configured"})
		return
	}
	result, err := s.deps.Reconciler.ReconcileNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleEmergencySync(c *gin.Context) {
	if s.deps.Reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not configured"})
		return
	}
	if err := s.deps.Reconciler.EmergencySync(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": true})
}
