// Package api is the engine's operational HTTP surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/alerting"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/health"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/persistence"
)

// Reporter produces the health snapshot.
type Reporter interface {
	Report() health.Report
}

// RuleManager exposes the active alert rules.
type RuleManager interface {
	Rules() *alerting.RuleSet
	ReloadRules(path string) error
}

// AlertReader lists alert instances.
type AlertReader interface {
	ListOpen(ctx context.Context) ([]*models.AlertInstance, error)
	ListRecent(ctx context.Context, since time.Time, limit int) ([]*models.AlertInstance, error)
}

// StateReader reads device state.
type StateReader interface {
	Get(ctx context.Context, deviceID int64) (*models.DeviceState, error)
}

// Deps are the components the routes read from.
type Deps struct {
	Health    Reporter
	Rules     RuleManager
	RulesPath string
	Alerts    AlertReader
	States    StateReader
	Stream    http.HandlerFunc
	Auth      *JwtAuth
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), SecurityHeaders())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/readyz", readyHandler(d.Health))
	r.POST("/login", d.Auth.LoginHandler)

	v1 := r.Group("/api/v1")
	v1.GET("/lanes", lanesHandler(d.Health))
	v1.GET("/rules", rulesHandler(d.Rules))
	v1.GET("/alerts", recentAlertsHandler(d.Alerts))
	v1.GET("/alerts/open", openAlertsHandler(d.Alerts))
	v1.GET("/devices/:id/state", deviceStateHandler(d.States))
	if d.Stream != nil {
		v1.GET("/alerts/stream", gin.WrapF(d.Stream))
	}

	protected := v1.Group("")
	protected.Use(d.Auth.JWTMiddleware())
	protected.POST("/rules/reload", reloadRulesHandler(d.Rules, d.RulesPath))

	return r
}

func readyHandler(h Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := h.Report()
		code := http.StatusOK
		if !report.Ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"ready": report.Ready, "problems": report.Problems})
	}
}

func lanesHandler(h Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Report())
	}
}

func rulesHandler(rules RuleManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		list := rules.Rules().Rules()
		if list == nil {
			list = []models.AlertRule{}
		}
		c.JSON(http.StatusOK, list)
	}
}

func reloadRulesHandler(rules RuleManager, path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := rules.ReloadRules(path)
		var ve *alerting.ValidationError
		switch {
		case errors.As(err, &ve):
			respondDetails(c, http.StatusUnprocessableEntity, "rules rejected, previous rule set kept", ve.Errors)
			return
		case err != nil:
			respondError(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "rules reloaded", "rules": rules.Rules().Len()})
	}
}

func recentAlertsHandler(alerts AlertReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		since := time.Now().Add(-24 * time.Hour)
		if raw := c.Query("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				respondError(c, http.StatusBadRequest, "since must be RFC3339")
				return
			}
			since = t
		}
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 1000 {
				respondError(c, http.StatusBadRequest, "limit must be between 1 and 1000")
				return
			}
			limit = n
		}
		list, err := alerts.ListRecent(c.Request.Context(), since, limit)
		if err != nil {
			respondError(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

func openAlertsHandler(alerts AlertReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := alerts.ListOpen(c.Request.Context())
		if err != nil {
			respondError(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

func deviceStateHandler(states StateReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid id")
			return
		}
		s, err := states.Get(c.Request.Context(), id)
		if errors.Is(err, persistence.ErrNotFound) {
			respondError(c, http.StatusNotFound, "no state recorded for device")
			return
		}
		if err != nil {
			respondError(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, s)
	}
}
