package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/scheduler"
)

// handleHealth reports component heartbeats
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": database.HealthHealthy,
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.health == nil {
		c.JSON(http.StatusOK, body)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	heartbeats, err := s.health.Snapshot(ctx)
	if err != nil {
		logFromRequest(c).Error("Health snapshot failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": database.HealthDown,
			"error":  "storage unavailable",
		})
		return
	}

	components := make(map[string]gin.H, len(heartbeats))
	for _, hb := range heartbeats {
		if hb.Status != database.HealthHealthy && body["status"] == database.HealthHealthy {
			body["status"] = database.HealthDegraded
		}
		components[hb.ComponentName] = gin.H{
			"status":         hb.Status,
			"last_heartbeat": hb.LastHeartbeat,
			"error_count":    hb.ErrorCount,
			"metadata":       hb.Metadata,
		}
	}
	body["components"] = components
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleSchedulerStatus(c *gin.Context) {
	status, err := s.scheduler.GetStatus(c.Request.Context())
	if err != nil {
		s.failWith(c, "scheduler.status", err)
		return
	}
	successResponse(c, status)
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.scheduler.Pause(c.Request.Context()); err != nil {
		s.failWith(c, "scheduler.pause", err)
		return
	}
	successResponse(c, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.scheduler.Resume(c.Request.Context()); err != nil {
		s.failWith(c, "scheduler.resume", err)
		return
	}
	successResponse(c, gin.H{"paused": false})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.scheduler.ListActiveSessions(c.Request.Context())
	if err != nil {
		s.failWith(c, "scheduler.sessions", err)
		return
	}
	if sessions == nil {
		sessions = []scheduler.SessionView{}
	}
	successResponse(c, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleThresholdStats(c *gin.Context) {
	successResponse(c, s.scheduler.GetThresholdStats())
}

func (s *Server) handlePauseUser(c *gin.Context) {
	session, err := s.scheduler.PauseUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.failWith(c, "scheduler.pause_user", err)
		return
	}
	successResponse(c, session)
}

func (s *Server) handleResumeUser(c *gin.Context) {
	session, err := s.scheduler.ResumeUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.failWith(c, "scheduler.resume_user", err)
		return
	}
	successResponse(c, session)
}

// handleActivateConfiguration stores a trade configuration and opens its session
func (s *Server) handleActivateConfiguration(c *gin.Context) {
	var req scheduler.ActivationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		errorResponse(c, http.StatusBadRequest, "user_id is required")
		return
	}

	session, err := s.scheduler.Activate(c.Request.Context(), req)
	if err != nil {
		s.failWith(c, "trade_configurations.activate", err)
		return
	}
	successResponse(c, session)
}
