package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/psbcast/internal/auth"
	logs "github.com/danmuck/psbcast/internal/logging"
	"github.com/danmuck/psbcast/internal/node"
	"github.com/danmuck/psbcast/internal/observability"
)

// updateRequest is the body of POST /updates. Timestamp is optional.
type updateRequest struct {
	ClientID  *uint32 `json:"client_id" binding:"required"`
	Update    *uint32 `json:"update" binding:"required"`
	Timestamp uint32  `json:"timestamp"`
}

func (g *Gateway) registerRoutes() {
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(g.started).String(),
			"node":    g.node.NodeID(),
			"kind":    g.node.Kind(),
			"version": version,
		})
	})

	g.router.GET("/ready", func(c *gin.Context) {
		ready := g.node.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(g.started).String(),
			"node":    g.node.NodeID(),
			"state":   g.node.Snapshot().Replica.State,
			"version": version,
		})
	})

	g.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, g.node.Snapshot())
	})

	g.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g.router.POST("/updates", g.requireToken(), g.postUpdate)
}

func (g *Gateway) requireToken() gin.HandlerFunc {
	if g.cfg.SubmitToken == "" {
		return func(c *gin.Context) { c.Next() }
	}
	validator := auth.StaticToken{Token: g.cfg.SubmitToken}
	return func(c *gin.Context) {
		if err := auth.CheckBearer(validator, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      err.Error(),
				"request_id": observability.RequestIDFrom(c),
			})
			return
		}
		c.Next()
	}
}

func (g *Gateway) postUpdate(c *gin.Context) {
	requestID := observability.RequestIDFrom(c)
	var body updateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "request_id": requestID})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), g.cfg.SubmitTimeout)
	defer cancel()
	res, err := g.node.Submit(ctx, node.SubmitRequest{
		ClientID:  *body.ClientID,
		Update:    *body.Update,
		Timestamp: body.Timestamp,
	})
	if err != nil {
		status := submitStatus(err)
		logs.Debugf("gateway.Gateway.postUpdate request=%s client=%d status=%d: %v", requestID, *body.ClientID, status, err)
		c.JSON(status, gin.H{"error": err.Error(), "request_id": requestID})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID,
		"client_id":  res.ClientID,
		"timestamp":  res.Timestamp,
		"update":     res.Update,
		"seq":        res.Seq,
		"view":       res.View,
	})
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, node.ErrSubmitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, node.ErrStaleTimestamp):
		return http.StatusConflict
	case errors.Is(err, node.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
