package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nodebridge/internal/auth"
	"nodebridge/internal/bridge"
	"nodebridge/internal/handler"
	"nodebridge/internal/middleware"
	"nodebridge/internal/pairing"
)

type Deps struct {
	Coordinator *bridge.Coordinator
	Store       *pairing.Store           // nil when loading failed
	Pending     *pairing.PendingApprover // nil unless the pending policy is active
	AdminSecret string
	TokenConfig auth.TokenConfig
	Log         *slog.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{
		AdminSecret: deps.AdminSecret,
		TokenConfig: deps.TokenConfig,
		Limiter:     authLimiter,
	}
	r.POST("/v1/auth", authHandler.Auth)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	nodesHandler := &handler.NodesHandler{Store: deps.Store, Coordinator: deps.Coordinator}
	protected.GET("/nodes", nodesHandler.List)
	protected.DELETE("/nodes/:id", nodesHandler.Revoke)

	pairingsHandler := &handler.PairingsHandler{Approver: deps.Pending}
	protected.GET("/pairings", pairingsHandler.List)
	protected.POST("/pairings/:id/approve", pairingsHandler.Approve)
	protected.POST("/pairings/:id/reject", pairingsHandler.Reject)

	bridgeHandler := &handler.BridgeHandler{Coordinator: deps.Coordinator, Log: deps.Log}
	r.GET("/bridge", bridgeHandler.Serve)

	return r
}
