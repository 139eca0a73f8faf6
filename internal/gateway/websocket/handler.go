// Package websocket implements the realtime gateway: authenticated event
// streaming and PTY session transport over a single WebSocket endpoint.
package websocket

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forksd/forksd/internal/common/config"
	"github.com/forksd/forksd/internal/common/logger"
)

const (
	// subprotocolName is the preferred application subprotocol.
	subprotocolName = "forksd"
	// tokenProtocolPrefix carries the auth token for browser clients that
	// cannot set headers on WebSocket upgrades.
	tokenProtocolPrefix = "token."
)

// Handler upgrades HTTP requests into gateway clients.
type Handler struct {
	hub     *Hub
	token   string
	origins map[string]bool
	logger  *logger.Logger
}

// NewHandler builds the upgrade handler.
func NewHandler(hub *Hub, serverCfg config.ServerConfig, authCfg config.AuthConfig, log *logger.Logger) *Handler {
	origins := make(map[string]bool, len(serverCfg.AllowedOrigins))
	for _, o := range serverCfg.AllowedOrigins {
		origins[o] = true
	}
	return &Handler{
		hub:     hub,
		token:   authCfg.Token,
		origins: origins,
		logger:  log,
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin; the token is their gate.
		return true
	}
	if h.origins[origin] {
		return true
	}
	// file:// origins arrive with trailing variance across platforms.
	for allowed := range h.origins {
		if strings.HasSuffix(allowed, "://") && strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// extractToken pulls the auth token from any of the supported carriers.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if t := r.Header.Get("X-Forksd-Token"); t != "" {
		return t
	}
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, tokenProtocolPrefix) {
			return strings.TrimPrefix(proto, tokenProtocolPrefix)
		}
	}
	return ""
}

// selectSubprotocol prefers the application protocol, falling back to the
// token carrier so browser clients get a confirmed protocol back.
func selectSubprotocol(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	for _, p := range protocols {
		if p == subprotocolName {
			return p
		}
	}
	for _, p := range protocols {
		if strings.HasPrefix(p, tokenProtocolPrefix) {
			return p
		}
	}
	return ""
}

// Handle is the gin endpoint for the single WebSocket route.
func (h *Handler) Handle(c *gin.Context) {
	r := c.Request

	if !h.checkOrigin(r) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	if h.token != "" {
		presented := extractToken(r)
		if presented == "" {
			// The client was never provisioned with the daemon token.
			c.JSON(http.StatusInternalServerError, gin.H{"error": "auth_not_configured"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  maxPayload,
		WriteBufferSize: maxPayload,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	var responseHeader http.Header
	if proto := selectSubprotocol(r); proto != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}

	conn, err := upgrader.Upgrade(c.Writer, r, responseHeader)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), h.hub, conn, h.logger)
	if !h.hub.tryRegister(client) {
		h.logger.Warn("connection limit reached, rejecting client")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}

	h.logger.Info("websocket client connected", zap.String("client_id", client.id))
	go client.writePump()
	go client.readPump()
}
