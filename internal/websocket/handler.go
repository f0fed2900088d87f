// Package websocket streams worker pool events to connected operators.
package websocket

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/config"
	"github.com/jrjohn/engage-cloud-go/internal/dto/response"
	"github.com/jrjohn/engage-cloud-go/internal/security"
	apperrors "github.com/jrjohn/engage-cloud-go/pkg/errors"
)

// Handler upgrades operator connections onto the hub
type Handler struct {
	config      *config.EventsConfig
	hub         *Hub
	upgrader    websocket.Upgrader
	jwtProvider *security.JWTProvider
	logger      *zap.Logger
}

// NewHandler creates a new event stream handler
func NewHandler(cfg *config.EventsConfig, hub *Hub, jwtProvider *security.JWTProvider, logger *zap.Logger) *Handler {
	h := &Handler{
		config:      cfg,
		hub:         hub,
		jwtProvider: jwtProvider,
		logger:      logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// RegisterRoutes registers the stream and its status endpoint
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET(h.config.Path, h.handleWebSocket)
	router.GET(h.config.Path+"/status", h.handleStatus)
}

// handleWebSocket authenticates the operator and upgrades the connection.
// Browsers cannot set headers on a websocket handshake, so the token may
// also come from the token query parameter.
func (h *Handler) handleWebSocket(c *gin.Context) {
	claims, ok := h.authenticate(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, claims.Subject, claims.Role, h.logger)
	if !h.hub.Register(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"))
		conn.Close()
		return
	}

	client.Send(&Message{
		Type:  MessageTypeEvent,
		Event: "connected",
		Data: map[string]string{
			"client_id": client.ID,
			"operator":  claims.Subject,
		},
		Timestamp: time.Now().UTC(),
	})

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) handleStatus(c *gin.Context) {
	if _, ok := h.authenticate(c); !ok {
		return
	}
	m := h.hub.GetMetrics()
	c.JSON(http.StatusOK, response.NewSuccessWithData(gin.H{
		"active_connections": m.ActiveConnections,
		"total_connections":  m.TotalConnections,
		"total_messages":     m.TotalMessages,
		"total_broadcasts":   m.TotalBroadcasts,
		"dropped_messages":   m.DroppedMessages,
		"subscribed_queues":  m.TotalRooms,
	}))
}

func (h *Handler) authenticate(c *gin.Context) (*security.OperatorClaims, bool) {
	token := c.Query("token")
	if token == "" {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			token = parts[1]
		}
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized,
			response.NewError(apperrors.CodeUnauthorized, "token required"))
		return nil, false
	}

	claims, err := h.jwtProvider.ValidateToken(token)
	if err != nil {
		if errors.Is(err, security.ErrNoSecret) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				response.NewError(apperrors.CodeServiceUnavailable, "authentication is not configured"))
			return nil, false
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized,
			response.NewError(apperrors.CodeUnauthorized, "invalid token"))
		return nil, false
	}
	return claims, true
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// StartHeartbeat pings every client each heartbeat interval until the hub
// stops
func (h *Handler) StartHeartbeat() {
	if h.config.HeartbeatInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.hub.SendHeartbeat()
			case <-h.hub.done:
				return
			}
		}
	}()
}
