package devserver

import (
	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, s *Server) {
	api := router.Group("/api/v1")

	// Sessions. Login and refresh authenticate themselves.
	api.POST("/auth/login", s.handleLogin)
	api.POST("/auth/refresh", s.handleRefresh)
	api.POST("/auth/logout", s.handleLogout)

	authed := api.Group("", s.requireAuth())
	authed.GET("/auth/me", s.handleMe)

	// Conversations and the data sources they query.
	authed.GET("/connections", s.handleConnections)
	authed.POST("/chat/message", s.handleChatMessage)
	authed.GET("/chat/sessions", s.handleChatSessions)
	authed.GET("/chat/history/:id", s.handleChatHistory)

	// Dashboards.
	authed.GET("/dashboards", s.handleDashboardList)
	authed.GET("/dashboards/:id", s.handleDashboardGet)
	authed.PATCH("/dashboards/:id", s.handleDashboardPatch)
	authed.PATCH("/dashboards/:id/widgets/:wid", s.handleWidgetPatch)
	authed.POST("/dashboards/:id/widgets/:wid/refresh", s.handleWidgetRefresh)

	// Alert notifications.
	authed.GET("/alerts/events/unread", s.handleUnread)
	authed.POST("/alerts/events/read-all", s.handleReadAll)
	authed.POST("/alerts/events/:id/read", s.handleRead)

	// Live channel.
	router.GET("/ws", s.requireAuth(), s.handleWS)
}
