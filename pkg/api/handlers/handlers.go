/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wso2/api-platform/fleet-console/pkg/api/middleware"
	"github.com/wso2/api-platform/fleet-console/pkg/orchestrator"
	"github.com/wso2/api-platform/fleet-console/pkg/queue"
	"github.com/wso2/api-platform/fleet-console/pkg/storage"
	"go.uber.org/zap"
)

// Server implements the console's local status API. It reads everything
// through the orchestrator; the UI never touches the sync internals directly.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewServer creates the API handler set
func NewServer(orch *orchestrator.Orchestrator, logger *zap.Logger) *Server {
	return &Server{
		orch:   orch,
		logger: logger,
	}
}

// RegisterRoutes attaches all console API routes to the router
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", s.getHealth)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/conflicts", s.getConflicts)
		v1.POST("/conflicts/:id/resolve", s.resolveConflict)
		v1.POST("/mutations", s.createMutation)
		v1.POST("/visibility", s.setVisibility)
	}
}

// getHealth handles GET /health
func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// getStatus handles GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Status())
}

// getConflicts handles GET /api/v1/conflicts
func (s *Server) getConflicts(c *gin.Context) {
	log := middleware.GetLogger(c, s.logger)

	conflicts, err := s.orch.Conflicts()
	if err != nil {
		log.Error("Failed to list conflicts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "Failed to list conflicts",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

// resolveConflictRequest is the body for POST /api/v1/conflicts/:id/resolve
type resolveConflictRequest struct {
	Action string `json:"action" binding:"required"`
}

// resolveConflict handles POST /api/v1/conflicts/:id/resolve
func (s *Server) resolveConflict(c *gin.Context) {
	log := middleware.GetLogger(c, s.logger)
	mutationID := c.Param("id")

	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "Request body must include an action",
		})
		return
	}

	err := s.orch.ResolveConflict(c.Request.Context(), mutationID, req.Action)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "resolved"})

	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"status":  "error",
			"message": "Unknown mutation ID",
		})

	case errors.Is(err, queue.ErrUnknownAction), errors.Is(err, queue.ErrNotConflicted):
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": err.Error(),
		})

	default:
		log.Error("Failed to resolve conflict",
			zap.String("mutation_id", mutationID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "Failed to resolve conflict",
		})
	}
}

// createMutationRequest is the body for POST /api/v1/mutations
type createMutationRequest struct {
	Channel      string          `json:"channel" binding:"required"`
	Kind         string          `json:"kind" binding:"required"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
	Precondition string          `json:"precondition"`
}

// createMutation handles POST /api/v1/mutations: the UI's write path. The
// mutation is durably queued; delivery happens whenever connectivity allows.
func (s *Server) createMutation(c *gin.Context) {
	log := middleware.GetLogger(c, s.logger)

	var req createMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "Request body must include channel, kind, and payload",
		})
		return
	}

	id, err := s.orch.Enqueue(c.Request.Context(), req.Channel, req.Kind, req.Payload, req.Precondition)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"id": id})

	case errors.Is(err, queue.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"status":  "error",
			"message": "Too many pending writes for this channel",
		})

	case errors.Is(err, queue.ErrQueueClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "error",
			"message": "Console is shutting down",
		})

	default:
		log.Error("Failed to enqueue mutation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": "Failed to enqueue mutation",
		})
	}
}

// visibilityRequest is the body for POST /api/v1/visibility
type visibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

// setVisibility handles POST /api/v1/visibility: the environment's signal that
// the console moved to or from the background
func (s *Server) setVisibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"message": "Request body must include visible",
		})
		return
	}

	if *req.Visible {
		s.orch.Resume()
	} else {
		s.orch.Pause()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
