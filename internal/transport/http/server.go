// Package http provides the HTTP servers for the orchestrator.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gogo/internal/service"
	"github.com/xiaot623/gogo/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/gogo/internal/transport/http/v1"
	"github.com/xiaot623/gogo/internal/transport/ws"
)

// NewExternalServer creates the public server: the v1 API for presentation
// clients and agents, the event stream, and /metrics. stream and gatherer
// may be nil.
func NewExternalServer(svc *service.Service, stream *ws.Handler, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1.NewHandler(svc).RegisterRoutes(e)
	if stream != nil {
		stream.RegisterRoutes(e)
	}
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return e
}

// NewInternalServer creates the server reachable only by ingress.
func NewInternalServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	internalapi.NewHandler(svc).RegisterRoutes(e)
	return e
}
