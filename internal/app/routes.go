package app

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/treykane/approval-relay/internal/security"
	"github.com/treykane/approval-relay/internal/tunnel"
)

// registerRoutes mounts the relay-level API next to the hub's own routes.
func (r *Relay) registerRoutes() {
	api := r.Hub.Engine().Group("/api")
	api.GET("/tunnel", r.getTunnel)
	api.POST("/tunnel/:action", r.Hub.RequireKey(), r.postTunnel)
	api.GET("/targets", r.Hub.RequireKey(), r.getTargets)
	api.GET("/events", r.Hub.RequireKey(), r.getEvents)
}

func (r *Relay) getTunnel(c *gin.Context) {
	c.JSON(http.StatusOK, r.Tunnel.Snapshot())
}

func (r *Relay) postTunnel(c *gin.Context) {
	var err error
	switch c.Param("action") {
	case "start":
		err = r.Tunnel.Start()
	case "stop":
		r.Tunnel.Stop()
	case "restart":
		err = r.Tunnel.Restart()
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tunnel action"})
		return
	}
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, tunnel.ErrNotConfigured) || errors.Is(err, tunnel.ErrDisabled) || errors.Is(err, tunnel.ErrAlreadyRunning) {
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{"error": security.UserMessage(err, true)})
		return
	}
	c.JSON(http.StatusOK, r.Tunnel.Snapshot())
}

func (r *Relay) getTargets(c *gin.Context) {
	c.JSON(http.StatusOK, r.Clients.Statuses())
}

func (r *Relay) getEvents(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || n <= 0 {
		n = 50
	}
	c.JSON(http.StatusOK, r.Bus.Recent(n))
}
