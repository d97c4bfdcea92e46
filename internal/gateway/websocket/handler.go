package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	ws "github.com/agentmesh/agentmesh/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub         *Hub
	connections *ConnectionManager
	logger      *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, connections *ConnectionManager, log *logger.Logger) *Handler {
	return &Handler{
		hub:         hub,
		connections: connections,
		logger:      log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and handles messages. The
// caller identity comes from the user_id query parameter; callers are
// trusted inside the deployment boundary.
func (h *Handler) HandleConnection(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = "anonymous"
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	connectionID := uuid.New().String()

	h.logger.Debug("WebSocket connection established",
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(connectionID, userID, conn, h.hub, h.logger)

	h.connections.AddConnection(connectionID, userID)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())

	h.connections.RemoveConnection(connectionID)
}

// RegisterHealthHandler registers the health check handler
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "agentmesh",
		})
	})
}
