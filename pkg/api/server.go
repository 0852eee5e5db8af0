// Package api is the webhook callback surface: one URL, a liveness verb for
// Trello's registration probe and a POST verb for notifications.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ST33ZEmachine/printshop/pkg/models"
)

// Intake receives parsed notifications. Submit must not block: it reports
// false when the intake buffer is full.
type Intake interface {
	Submit(n *models.Notification) bool
}

// Server is the HTTP callback server.
type Server struct {
	intake Intake
}

// NewServer creates the callback server on top of an intake.
func NewServer(intake Intake) *Server {
	return &Server{intake: intake}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Trello probes the callback URL with HEAD during webhook registration
	// and expects a bare 200.
	router.HEAD("/webhook/trello", s.Liveness)
	router.GET("/webhook/trello", s.Liveness)
	router.POST("/webhook/trello", s.ReceiveNotification)

	router.GET("/healthz", s.Health)
	return router
}

// Liveness answers the callback verification probe.
func (s *Server) Liveness(c *gin.Context) {
	c.Status(http.StatusOK)
}

// Health returns the health status.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ListenAddr formats the listen address for a port.
func ListenAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
