package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/janus/internal/metrics"
)

// HealthFunc reports whether the supervisor is serving; nil means always healthy.
type HealthFunc func() error

// NewMetricsHandler serves /metrics from g (the default gatherer when nil)
// and /healthz.
func NewMetricsHandler(g prometheus.Gatherer, health HealthFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	h := metrics.Handler()
	if g != nil {
		h = metrics.HandlerFor(g)
	}
	e.GET("/metrics", echo.WrapHandler(h))
	e.GET("/healthz", func(c echo.Context) error {
		if health != nil {
			if err := health(); err != nil {
				return c.JSON(http.StatusServiceUnavailable, errorResp{Error: err.Error()})
			}
		}
		return c.JSON(http.StatusOK, okResp{OK: true})
	})
	return e
}
