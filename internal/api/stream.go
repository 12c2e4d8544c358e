package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// stream pushes the trip snapshot as server-sent events: once on connect and
// again after every change. The stream ends when the trip reaches a
// terminal status or the client goes away.
func (api *tripAPI) stream(c echo.Context) error {
	ctx := c.Request().Context()
	tripID := c.Param("id")

	// Subscribe before the first read so no change falls in between.
	sub := api.hub.Subscribe(tripID)
	defer sub.Close()

	snap, err := api.engine.GetTripSnapshot(ctx, tripID)
	if err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if err := writeEvent(res, "snapshot", snap); err != nil {
		return nil
	}
	if snap.Status.Terminal() {
		return nil
	}

	heartbeat := time.NewTicker(api.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.C:
			if !ok {
				return nil
			}
			snap, err := api.engine.GetTripSnapshot(ctx, tripID)
			if err != nil {
				loggerFrom(c).Warn("stream snapshot failed", "trip_id", tripID, "error", err)
				return nil
			}
			if err := writeEvent(res, "snapshot", snap); err != nil {
				return nil
			}
			if snap.Status.Terminal() {
				return nil
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func writeEvent(res *echo.Response, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	res.Flush()
	return nil
}
