// Package admin serves the management API of the agent: health, generations,
// explicit sweeps, reinstalls and metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-agent/internal/agent"
	"github.com/iTrooz/offline-agent/internal/metrics"
)

type API struct {
	controller  *agent.Controller
	generations *agent.Generations
	metrics     *metrics.Metrics
}

func New(controller *agent.Controller, generations *agent.Generations, m *metrics.Metrics) *API {
	return &API{
		controller:  controller,
		generations: generations,
		metrics:     m,
	}
}

// Echo returns an echo instance with every admin route mounted
func (a *API) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger)
	a.MountRoutes(e.Group(""))
	return e
}

func (a *API) MountRoutes(group *echo.Group) {
	group.GET("/healthz", a.health)
	group.GET("/generations", a.listGenerations)
	group.POST("/generations/sweep", a.sweep)
	group.POST("/install", a.install)
	if a.metrics != nil {
		group.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
	}
}

// Start serves the admin API on addr until ctx is done
func (a *API) Start(ctx context.Context, addr string) error {
	e := a.Echo()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	logrus.Infof("Admin API listening on %s", addr)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		logrus.WithFields(logrus.Fields{
			"method":   c.Request().Method,
			"path":     c.Path(),
			"status":   c.Response().Status,
			"duration": time.Since(start),
		}).Debug("Admin request")
		return nil
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	Controlled bool   `json:"controlled"`
	Active     string `json:"active,omitempty"`
}

func (a *API) health(c echo.Context) error {
	resp := healthResponse{Status: "ok"}
	if active := a.controller.Active(); active != nil {
		resp.Controlled = true
		resp.Active = active.StoreName()
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *API) listGenerations(c echo.Context) error {
	infos, err := a.generations.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, infos)
}

type sweepRequest struct {
	Keep []string `json:"keep"`
}

type sweepResponse struct {
	Removed []string `json:"removed"`
}

// sweep deletes every generation except the active one and those listed in "keep"
func (a *API) sweep(c echo.Context) error {
	var requ sweepRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&requ); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	removed, err := a.generations.Sweep(c.Request().Context(), requ.Keep...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if removed == nil {
		removed = []string{}
	}
	return c.JSON(http.StatusOK, sweepResponse{Removed: removed})
}

// install refreshes the seeds of the deployed generation
func (a *API) install(c echo.Context) error {
	err := a.controller.Reinstall(c.Request().Context())
	switch {
	case errors.Is(err, agent.ErrNoActiveGeneration):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, agent.ErrInstallFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "installed", Controlled: true, Active: a.controller.Active().StoreName()})
}
