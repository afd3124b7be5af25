package hub

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/treykane/approval-relay/internal/pending"
	"github.com/treykane/approval-relay/internal/protocol"
	"github.com/treykane/approval-relay/internal/security"
)

// PopupBody is the JSON accepted by POST /api/popup.
type PopupBody struct {
	Message           string   `json:"message" binding:"required"`
	PredefinedOptions []string `json:"predefined_options"`
	IsMarkdown        bool     `json:"is_markdown"`
}

func (h *Hub) newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the WebSocket endpoint and the HTTP API on r.
//
// "/" and "/ws" both accept upgrades; a plain GET on "/" returns the status
// document instead. Session listing and popup dispatch require the api key
// as a bearer token.
func (h *Hub) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.root)
	r.GET("/ws", h.upgrade)

	api := r.Group("/api")
	api.GET("/status", h.getStatus)
	api.GET("/sessions", h.RequireKey(), h.listSessions)
	api.POST("/popup", h.RequireKey(), h.postPopup)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))
}

func (h *Hub) root(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		h.upgrade(c)
		return
	}
	h.getStatus(c)
}

func (h *Hub) upgrade(c *gin.Context) {
	h.ServeWS(c.Writer, c.Request)
}

func (h *Hub) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.Status())
}

func (h *Hub) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.Sessions())
}

func (h *Hub) postPopup(c *gin.Context) {
	var body PopupBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	req := protocol.NewPopupRequest("", body.Message, body.PredefinedOptions, body.IsMarkdown)
	res, err := h.Dispatch(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"request_id": res.RequestID, "error": security.UserMessage(err, true)})
		return
	}
	c.JSON(http.StatusOK, res)
}

// RequireKey is gin middleware checking "Authorization: Bearer <api key>".
func (h *Hub) RequireKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || !security.CredentialsMatch(h.cfg.APIKey, strings.TrimSpace(token)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNoSessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, pending.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
