// Package adminapi exposes the read-only introspection surface spec §1
// treats as an outer-adapter concern: broker telemetry, cooldown state,
// and split candidates, over HTTP via gin-gonic/gin with a bearer-JWT
// auth middleware and a gorilla/websocket live feed of the load-data
// store's change events.
package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/khryptorgraphics/loadshed/internal/loaddata"
	"github.com/khryptorgraphics/loadshed/internal/resourceusage"
	"github.com/khryptorgraphics/loadshed/pkg/consensus"
	"github.com/khryptorgraphics/loadshed/pkg/logging"
)

// Config configures the introspection server.
type Config struct {
	Listen        string
	JWTSigningKey string
	TokenExpiry   time.Duration

	// CORSAllowedOrigins lists origins allowed to call this API from a
	// browser; a single "*" entry allows any origin. Empty disables CORS
	// handling entirely (same-origin/non-browser clients only).
	CORSAllowedOrigins []string
	// RateLimitPerSecond and RateLimitBurst configure a global token-bucket
	// limiter shared across all callers. RateLimitPerSecond <= 0 disables
	// rate limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Server serves GET /v1/brokers, GET /v1/cooldowns, GET /v1/split-candidates,
// GET /v1/leader-candidates, GET /v1/leader-history, and a GET /v1/stream
// websocket feed, all behind bearer-JWT auth.
type Server struct {
	cfg             Config
	store           *loaddata.Store[*loaddata.BrokerLoadData]
	evaluator       *resourceusage.Evaluator
	cooldowns       func() map[string]time.Time
	splitCandidates func() []string
	leadership      *consensus.LeadershipHistory
	logger          *logging.Logger
	engine          *gin.Engine
	upgrader        websocket.Upgrader
	limiter         *rate.Limiter
}

// New builds a Server. cooldowns and splitCandidates are callbacks into
// the scheduler's current state; the server never mutates either.
// leadership may be nil (e.g. a single-node deployment with no raft engine),
// in which case /v1/leader-history reports an empty history.
func New(cfg Config, store *loaddata.Store[*loaddata.BrokerLoadData], evaluator *resourceusage.Evaluator, cooldowns func() map[string]time.Time, splitCandidates func() []string, leadership *consensus.LeadershipHistory, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:             cfg,
		store:           store,
		evaluator:       evaluator,
		cooldowns:       cooldowns,
		splitCandidates: splitCandidates,
		leadership:      leadership,
		logger:          logger,
		engine:          gin.New(),
		upgrader:        websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	if cfg.RateLimitPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery())

	if len(s.cfg.CORSAllowedOrigins) > 0 {
		s.engine.Use(s.corsMiddleware())
	}
	if s.limiter != nil {
		s.engine.Use(s.rateLimitMiddleware())
	}

	v1 := s.engine.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.GET("/brokers", s.handleBrokers)
		v1.GET("/cooldowns", s.handleCooldowns)
		v1.GET("/split-candidates", s.handleSplitCandidates)
		v1.GET("/leader-candidates", s.handleLeaderCandidates)
		v1.GET("/leader-history", s.handleLeaderHistory)
		v1.GET("/stream", s.handleStream)
	}
}

// Handler returns the http.Handler to mount, for tests and for the CLI's
// http.Server wiring.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks serving on Config.Listen until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// corsMiddleware builds a gin-contrib/cors handler from Config's allowed
// origins. A single "*" entry allows any origin, matching the teacher's
// hand-rolled CORS wildcard case in pkg/api/server.go but delegated here
// to the dedicated gin-contrib/cors middleware.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	corsCfg := cors.Config{
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}
	if len(s.cfg.CORSAllowedOrigins) == 1 && s.cfg.CORSAllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.CORSAllowedOrigins
	}
	return cors.New(corsCfg)
}

// rateLimitMiddleware rejects requests once the shared token bucket is
// exhausted, the same golang.org/x/time/rate primitive the teacher's
// pkg/security rate limiter wraps, applied here as a single global limiter
// rather than per-user/per-IP since this surface has no user accounts.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		raw := header[len(prefix):]

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSigningKey), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// IssueToken mints a bearer token for subject, signed with Config.JWTSigningKey.
func (s *Server) IssueToken(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenExpiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSigningKey))
}

type brokerSummary struct {
	BrokerID    string   `json:"broker_id"`
	MaxUsage    float64  `json:"max_resource_usage"`
	BundleCount int      `json:"bundle_count"`
	Bundles     []string `json:"bundles"`
}

func (s *Server) handleBrokers(c *gin.Context) {
	var out []brokerSummary
	s.store.ForEach(func(id string, b *loaddata.BrokerLoadData) {
		bundles := make([]string, 0, len(b.Bundles))
		for bundle := range b.Bundles {
			bundles = append(bundles, bundle)
		}
		out = append(out, brokerSummary{
			BrokerID:    id,
			MaxUsage:    s.evaluator.MaxResourceUsage(b),
			BundleCount: len(b.Bundles),
			Bundles:     bundles,
		})
	})
	c.JSON(http.StatusOK, gin.H{"brokers": out})
}

func (s *Server) handleCooldowns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cooldowns": s.cooldowns()})
}

func (s *Server) handleSplitCandidates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"split_candidates": s.splitCandidates()})
}

// handleLeaderCandidates ranks currently-known brokers by resource usage,
// least-loaded first, as a hint for which broker to prefer as the next
// raft voter or planned-failover target.
func (s *Server) handleLeaderCandidates(c *gin.Context) {
	brokers := make(map[string]*loaddata.BrokerLoadData)
	s.store.ForEach(func(id string, b *loaddata.BrokerLoadData) {
		brokers[id] = b
	})
	c.JSON(http.StatusOK, gin.H{"candidates": consensus.Rank(brokers, s.evaluator)})
}

func (s *Server) handleLeaderHistory(c *gin.Context) {
	var history []consensus.LeadershipEvent
	if s.leadership != nil {
		history = s.leadership.Snapshot()
	}
	c.JSON(http.StatusOK, gin.H{"leader_history": history})
}

// handleStream upgrades to a websocket and re-emits the load-data store's
// change-event feed as JSON frames until the client disconnects.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", map[string]any{"error": err.Error()})
		}
		return
	}
	defer conn.Close()

	cancel := s.store.Listen(func(ev loaddata.ChangeEvent[*loaddata.BrokerLoadData]) {
		_ = conn.WriteJSON(gin.H{
			"broker_id": ev.Key,
			"removed":   ev.Removed,
		})
	})
	defer cancel()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
