package controllers

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"kamal-napper/internal/models"
	"kamal-napper/services"
)

type AppController struct {
	supervisor *services.Supervisor
}

/**
 * Create new app controller instance
 * @param {*services.Supervisor} supervisor - The running daemon's supervisor
 * @returns {*AppController} New app controller instance
 * @description
 * - Readers see the live in-memory map, not a reconstruction from disk
 */
func NewAppController(supervisor *services.Supervisor) *AppController {
	return &AppController{
		supervisor: supervisor,
	}
}

/**
 * Register app management routes to Gin engine
 * @param {*gin.Engine} r - Gin router instance
 * @description
 * - Registers routes for:
 *   - Status snapshot (GET /napper/api/v1/status)
 *   - Wake/sleep control (POST /napper/api/v1/control)
 *   - App registration (POST/DELETE /napper/api/v1/apps/:host)
 */
func (a *AppController) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/napper/api/v1")
	api.GET("/status", a.GetStatus)
	api.POST("/control", a.Control)
	api.POST("/apps/:host", a.AddApp)
	api.DELETE("/apps/:host", a.RemoveApp)
}

// GetStatus returns the daemon status snapshot
//
//	@Summary		Status snapshot
//	@Description	Per-host state, timers and recent transition history
//	@Tags			Apps
//	@Produce		json
//	@Success		200	{object}	models.StatusResponse
//	@Router			/napper/api/v1/status [get]
func (a *AppController) GetStatus(c *gin.Context) {
	c.JSON(200, a.supervisor.Status())
}

// Control wakes or sleeps a single app
//
//	@Summary		Wake or sleep an app
//	@Description	wake starts a stopped app behind the maintenance page; sleep forces the idle path for an active app
//	@Tags			Apps
//	@Accept			json
//	@Produce		json
//	@Param			request	body		models.ControlRequest	true	"host and action (wake|sleep)"
//	@Success		200		{object}	models.ControlResponse
//	@Failure		400		{object}	models.ErrorResponse
//	@Router			/napper/api/v1/control [post]
func (a *AppController) Control(c *gin.Context) {
	var req models.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, models.ErrorResponse{
			Code:  "control.bad_request",
			Error: err.Error(),
		})
		return
	}

	ctx := context.Background()
	resp := models.ControlResponse{Hostname: req.Host, Action: req.Action}

	switch req.Action {
	case "wake":
		resp.Success = a.supervisor.WakeApp(ctx, req.Host)
		if resp.Success {
			resp.Message = fmt.Sprintf("%s is starting", req.Host)
		} else {
			resp.Message = fmt.Sprintf("%s is not stopped or not managed", req.Host)
		}
	case "sleep":
		resp.Success = a.supervisor.SleepApp(ctx, req.Host)
		if resp.Success {
			resp.Message = fmt.Sprintf("%s is stopping", req.Host)
		} else {
			resp.Message = fmt.Sprintf("%s is not active or not managed", req.Host)
		}
	default:
		c.JSON(400, models.ErrorResponse{
			Code:  "control.unknown_action",
			Error: fmt.Sprintf("unknown action %q", req.Action),
		})
		return
	}

	c.JSON(200, resp)
}

// AddApp registers a host explicitly
//
//	@Summary		Register an app
//	@Tags			Apps
//	@Produce		json
//	@Param			host	path		string	true	"hostname"
//	@Success		200		{object}	models.ControlResponse
//	@Failure		400		{object}	models.ErrorResponse
//	@Router			/napper/api/v1/apps/{host} [post]
func (a *AppController) AddApp(c *gin.Context) {
	host := c.Param("host")
	if !a.supervisor.AddApp(host) {
		c.JSON(400, models.ErrorResponse{
			Code:  "apps.add_failed",
			Error: fmt.Sprintf("%s is invalid or already managed", host),
		})
		return
	}
	c.JSON(200, models.ControlResponse{
		Success:  true,
		Hostname: host,
		Action:   "add",
		Message:  fmt.Sprintf("%s is now managed", host),
	})
}

// RemoveApp stops and forgets a host
//
//	@Summary		Remove an app
//	@Tags			Apps
//	@Produce		json
//	@Param			host	path		string	true	"hostname"
//	@Success		200		{object}	models.ControlResponse
//	@Failure		404		{object}	models.ErrorResponse
//	@Router			/napper/api/v1/apps/{host} [delete]
func (a *AppController) RemoveApp(c *gin.Context) {
	host := c.Param("host")
	if !a.supervisor.RemoveApp(context.Background(), host) {
		c.JSON(404, models.ErrorResponse{
			Code:  "apps.not_found",
			Error: fmt.Sprintf("%s is not managed", host),
		})
		return
	}
	c.JSON(200, models.ControlResponse{
		Success:  true,
		Hostname: host,
		Action:   "remove",
		Message:  fmt.Sprintf("%s removed", host),
	})
}
