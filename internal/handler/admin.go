package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"nodebridge/internal/auth"
	"nodebridge/internal/bridge"
	"nodebridge/internal/middleware"
	"nodebridge/internal/pairing"
)

// AuthHandler exchanges the configured admin secret for a short-lived
// JWT used on the rest of the admin API.
type AuthHandler struct {
	AdminSecret string
	TokenConfig auth.TokenConfig
	Limiter     *middleware.RateLimiter
}

type adminAuthBody struct {
	Secret string `json:"secret"`
}

func (h *AuthHandler) Auth(c *gin.Context) {
	if !h.Limiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	var body adminAuthBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(body.Secret), []byte(h.AdminSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret"})
		return
	}

	token, err := auth.CreateToken("admin", h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// NodesHandler exposes paired nodes and lets the operator revoke one.
type NodesHandler struct {
	Store       *pairing.Store
	Coordinator *bridge.Coordinator
}

func (h *NodesHandler) List(c *gin.Context) {
	if h.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Store unavailable"})
		return
	}

	records := h.Store.List()
	nodes := make([]gin.H, 0, len(records))
	for _, rec := range records {
		nodes = append(nodes, gin.H{
			"nodeId":       rec.NodeID,
			"displayName":  rec.DisplayName,
			"platform":     rec.Platform,
			"version":      rec.Version,
			"createdAtMs":  rec.CreatedAtMs,
			"lastSeenAtMs": rec.LastSeenAtMs,
			"connected":    h.Coordinator.IsConnected(rec.NodeID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// Revoke drops the pairing record and closes any live connection. The
// node has to pair again from scratch.
func (h *NodesHandler) Revoke(c *gin.Context) {
	if h.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Store unavailable"})
		return
	}

	nodeID := c.Param("id")
	if _, ok := h.Store.Find(nodeID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Node not paired"})
		return
	}
	if err := h.Store.Remove(nodeID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Revoke failed"})
		return
	}
	h.Coordinator.DisconnectNode(nodeID)
	c.JSON(http.StatusOK, gin.H{"revoked": nodeID})
}

// PairingsHandler is the approval surface for the pending policy: list
// parked pairing attempts and answer them.
type PairingsHandler struct {
	Approver *pairing.PendingApprover // nil unless the pending policy is active
}

func (h *PairingsHandler) List(c *gin.Context) {
	if h.Approver == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Pending approval policy not active"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairings": h.Approver.Pending()})
}

func (h *PairingsHandler) Approve(c *gin.Context) {
	h.resolve(c, true)
}

func (h *PairingsHandler) Reject(c *gin.Context) {
	h.resolve(c, false)
}

func (h *PairingsHandler) resolve(c *gin.Context, approved bool) {
	if h.Approver == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Pending approval policy not active"})
		return
	}
	id := c.Param("id")
	if !h.Approver.Resolve(id, approved) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown or already answered pairing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "approved": approved})
}
