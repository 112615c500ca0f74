package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kamal-napper/internal/config"
	"kamal-napper/internal/models"
)

// Version is stamped by the build; kept here so the health endpoint and
// the version command agree.
var Version = "1.0.0"

type APIController struct{}

/**
 * Create new API controller instance
 * @returns {*APIController} New API controller instance
 * @description
 * - Serves the host-runtime probes and operational endpoints that do
 *   not touch the supervisor
 */
func NewAPIController() *APIController {
	return &APIController{}
}

/**
 * Register operational routes to Gin engine
 * @param {*gin.Engine} r - Gin router instance
 * @description
 * - Registers routes for:
 *   - Host-runtime health probes (/health, /up)
 *   - Prometheus metrics (/metrics)
 *   - Config reload (POST /napper/api/v1/reload)
 */
func (a *APIController) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", a.Health)
	r.GET("/up", a.Up)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/napper/api/v1/reload", a.ReloadConfig)
}

// @Summary Health probe
// @Description Liveness probe for the host runtime
// @Tags System
// @Produce json
// @Success 200 {object} models.HealthResponse
// @Router /health [get]
func (a *APIController) Health(c *gin.Context) {
	c.JSON(200, models.HealthResponse{
		Status:    "ok",
		Service:   "kamal-napper",
		Version:   Version,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// @Summary Plain readiness probe
// @Description Returns OK once the daemon accepts requests
// @Tags System
// @Produce plain
// @Success 200 {string} string "OK"
// @Router /up [get]
func (a *APIController) Up(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// @Summary Reload configuration
// @Description Re-read the config file; timers pick the new values up on the next tick
// @Tags Config
// @Success 200 {object} map[string]interface{}
// @Failure 500 {object} models.ErrorResponse
// @Router /napper/api/v1/reload [post]
func (a *APIController) ReloadConfig(c *gin.Context) {
	if err := config.ReloadConfig(); err != nil {
		c.JSON(500, models.ErrorResponse{
			Code:  "config.reload_failed",
			Error: "Failed to reload configuration: " + err.Error(),
		})
		return
	}
	c.JSON(200, gin.H{
		"status":  "success",
		"message": "Configuration reloaded successfully",
	})
}
