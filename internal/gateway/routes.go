package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cloud-codex/cloud-codex/internal/approval"
	apperrors "github.com/cloud-codex/cloud-codex/internal/common/errors"
	"github.com/cloud-codex/cloud-codex/internal/common/logger"
	"github.com/cloud-codex/cloud-codex/internal/events/bus"
	"github.com/cloud-codex/cloud-codex/internal/session"
	v1 "github.com/cloud-codex/cloud-codex/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// origin checks are the boundary layer's concern
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server holds the HTTP handlers of the gateway.
type Server struct {
	registry *session.Registry
	broker   *approval.Broker
	auditor  approval.Auditor
	hub      *Hub
	adapter  *Adapter
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewServer creates the gateway HTTP surface.
func NewServer(registry *session.Registry, broker *approval.Broker, auditor approval.Auditor, hub *Hub, adapter *Adapter, eventBus bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		registry: registry,
		broker:   broker,
		auditor:  auditor,
		hub:      hub,
		adapter:  adapter,
		bus:      eventBus,
		logger:   log.Named("gateway-server"),
	}
}

// SetupRoutes registers all routes on the gin engine.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.GET("/health", s.HealthCheck)
	router.GET("/ws", s.HandleWebSocket)

	api := router.Group("/api/v1")
	{
		api.GET("/sessions", s.ListSessions)
		api.GET("/sessions/:id", s.GetSession)
		api.GET("/sessions/:id/runs", s.ListRuns)
		api.GET("/sessions/:id/runs/:threadId", s.GetRun)
		api.GET("/users/:userId/audit", s.GetAudit)
	}
}

// HandleWebSocket upgrades the connection, binds it to the user's session
// (creating one when needed), and starts the client pumps.
func (s *Server) HandleWebSocket(c *gin.Context) {
	userID := clientUserID(c)
	if userID == "" {
		renderError(c, apperrors.IdentityMissing())
		return
	}

	sess, err := s.registry.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("failed to create session",
			zap.String("user_id", userID),
			zap.Error(err))
		renderError(c, apperrors.AgentUnavailable(err))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, sess, s.hub, s.adapter, s.logger)
	s.hub.Register(client)

	go client.WritePump()

	connected, _ := NewResponseFrame("", v1.ConnectedPayload{Status: "connected", SessionID: sess.ID})
	client.Send(connected)

	// the request context dies with this handler; the pumps outlive it
	go client.ReadPump(context.Background())
}

// HealthCheck reports service health.
func (s *Server) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{
		Status:           "ok",
		Sessions:         len(s.registry.Sessions()),
		PendingApprovals: s.broker.PendingCount(),
		BusConnected:     s.bus.IsConnected(),
	})
}

// ListSessions returns all live sessions.
func (s *Server) ListSessions(c *gin.Context) {
	sessions := s.registry.Sessions()
	out := make([]v1.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionInfo(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// GetSession returns one session by id.
func (s *Server) GetSession(c *gin.Context) {
	sess, ok := s.registry.Get(c.Param("id"))
	if !ok {
		renderError(c, apperrors.SessionNotFound(c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, sessionInfo(sess))
}

// ListRuns returns the run-view snapshots of a session.
func (s *Server) ListRuns(c *gin.Context) {
	sess, ok := s.registry.Get(c.Param("id"))
	if !ok {
		renderError(c, apperrors.SessionNotFound(c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": sess.Supervisor.RunSnapshots()})
}

// GetRun returns one run-view snapshot.
func (s *Server) GetRun(c *gin.Context) {
	sess, ok := s.registry.Get(c.Param("id"))
	if !ok {
		renderError(c, apperrors.SessionNotFound(c.Param("id")))
		return
	}
	snapshot, ok := sess.Supervisor.RunSnapshot(c.Param("threadId"))
	if !ok {
		renderError(c, apperrors.RunNotFound(c.Param("threadId")))
		return
	}
	c.Data(http.StatusOK, "application/json", snapshot)
}

// GetAudit returns the approval audit trail for a user.
func (s *Server) GetAudit(c *gin.Context) {
	records, err := s.auditor.QueryByUser(c.Request.Context(), c.Param("userId"), 100)
	if err != nil {
		s.logger.Error("audit query failed", zap.Error(err))
		renderError(c, apperrors.Wrap(apperrors.CodeInternal, "audit query failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func sessionInfo(sess *session.Session) v1.SessionInfo {
	return v1.SessionInfo{
		ID:               sess.ID,
		UserID:           sess.UserID,
		State:            string(sess.State()),
		CreatedAt:        sess.CreatedAt,
		LastActiveAt:     sess.LastActiveAt(),
		WorkingDirectory: sess.WorkingDirectory,
	}
}
