package tracking

import (
	"context"

	"bustrack/internal/models"
)

type driverKey struct{}

// WithDriver marks ctx as acting on behalf of an authenticated driver device.
// Writes on a trip bound to a different driver fail with CodeForbidden.
// A context without a driver is trusted (admin tooling, replay, tests).
func WithDriver(ctx context.Context, driverID string) context.Context {
	return context.WithValue(ctx, driverKey{}, driverID)
}

// DriverFromContext returns the driver asserted by WithDriver.
func DriverFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(driverKey{}).(string)
	return id, ok && id != ""
}

func checkWriter(ctx context.Context, t models.Trip) error {
	driver, ok := DriverFromContext(ctx)
	if !ok || t.DriverID == "" || t.DriverID == driver {
		return nil
	}
	return errForbidden(t.ID, driver)
}
