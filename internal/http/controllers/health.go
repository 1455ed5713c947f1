package controllers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/dropDatabas3/credgate/internal/http/dto"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
)

// Pinger es cualquier dependencia con health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthController struct {
	checks  map[string]Pinger
	timeout time.Duration
}

func NewHealthController(checks map[string]Pinger) *HealthController {
	return &HealthController{checks: checks, timeout: 2 * time.Second}
}

// Ready maneja GET /readyz: 200 si todas las dependencias responden.
func (c *HealthController) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	defer cancel()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := dto.ReadyResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := c.checks[name].Ping(ctx); err != nil {
			logger.From(ctx).Warn("readiness check failed", logger.Component(name), logger.Err(err))
			resp.Checks[name] = "error"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}
