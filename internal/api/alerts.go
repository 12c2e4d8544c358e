package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"bustrack/internal/models"
	"bustrack/internal/tracking"
)

type alertAPI struct {
	engine *tracking.Engine
}

func registerAlertAPI(g *echo.Group, mw routeMiddleware, api *alertAPI) {
	g.POST("/alerts", api.raise, mw.device)
	g.POST("/alerts/:id/resolve", api.resolve, mw.admin)
	g.GET("/trips/:id/alerts", api.list, mw.viewer)
}

type alertRequest struct {
	TripID   *string `json:"tripId"`
	RouteID  *string `json:"routeId"`
	Type     string  `json:"type" validate:"notblank"`
	Severity string  `json:"severity" validate:"omitempty,oneof=info warning critical"`
	Title    string  `json:"title" validate:"notblank"`
	Message  *string `json:"message"`
}

type resolveRequest struct {
	Notes *string `json:"notes"`
}

type resolveResponse struct {
	Alert     models.Alert `json:"alert"`
	Duplicate bool         `json:"duplicate"`
}

func (api *alertAPI) raise(c echo.Context) error {
	var req alertRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	alert, err := api.engine.RaiseAlert(c.Request().Context(), tracking.NewAlert{
		TripID:   req.TripID,
		RouteID:  req.RouteID,
		Type:     req.Type,
		Severity: models.Severity(req.Severity),
		Title:    req.Title,
		Message:  req.Message,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, alert)
}

func (api *alertAPI) resolve(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	alert, changed, err := api.engine.ResolveAlert(c.Request().Context(), c.Param("id"), req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resolveResponse{Alert: alert, Duplicate: !changed})
}

// list returns the trip's alerts; ?open=true restricts it to unresolved ones.
func (api *alertAPI) list(c echo.Context) error {
	ctx := c.Request().Context()
	tripID := c.Param("id")
	openOnly, _ := strconv.ParseBool(c.QueryParam("open"))

	var alerts []models.Alert
	var err error
	if openOnly {
		alerts, err = api.engine.OpenAlerts(ctx, tripID)
	} else {
		alerts, err = api.engine.Alerts(ctx, tripID)
	}
	if err != nil {
		return err
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	return c.JSON(http.StatusOK, alerts)
}
