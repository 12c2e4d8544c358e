package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/models"
)

func TestClassifySeverity(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, ClassifySeverity("Emergency"))
	assert.Equal(t, models.SeverityCritical, ClassifySeverity("medical"))
	assert.Equal(t, models.SeverityWarning, ClassifySeverity("breakdown"))
	assert.Equal(t, models.SeverityWarning, ClassifySeverity(" delay "))
	assert.Equal(t, models.SeverityInfo, ClassifySeverity("note"))
}

func TestRaiseAlert(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	trip := fx.start(t)

	alert, err := fx.engine.RaiseAlert(ctx, NewAlert{TripID: ptr(trip.ID), Type: "breakdown", Title: "flat tyre"})
	require.NoError(t, err)
	assert.Equal(t, models.SeverityWarning, alert.Severity)
	require.NotNil(t, alert.RouteID)
	assert.Equal(t, "R1", *alert.RouteID)
	assert.False(t, alert.Resolved)

	require.Len(t, fx.notifier.alerts, 1)
	assert.Equal(t, alert.ID, fx.notifier.alerts[0].ID)
	assert.Equal(t, 1, countKind(fx.sink, "alert"))

	open, err := fx.engine.OpenAlerts(ctx, trip.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)

	snap, err := fx.engine.GetTripSnapshot(ctx, trip.ID)
	require.NoError(t, err)
	assert.Len(t, snap.OpenAlerts, 1)
}

func TestRaiseAlertValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.engine.RaiseAlert(ctx, NewAlert{Title: "x"})
	requireCode(t, err, CodeInvalidArgument)
	_, err = fx.engine.RaiseAlert(ctx, NewAlert{Type: "delay"})
	requireCode(t, err, CodeInvalidArgument)
	_, err = fx.engine.RaiseAlert(ctx, NewAlert{Type: "delay", Title: "x", Severity: "urgent"})
	requireCode(t, err, CodeInvalidArgument)
	_, err = fx.engine.RaiseAlert(ctx, NewAlert{TripID: ptr("missing"), Type: "delay", Title: "x"})
	requireCode(t, err, CodeNotFound)

	// Route-level alerts need no trip.
	alert, err := fx.engine.RaiseAlert(ctx, NewAlert{RouteID: ptr("R2"), Type: "weather", Title: "snow", Severity: models.SeverityCritical})
	require.NoError(t, err)
	assert.Nil(t, alert.TripID)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
}

func TestAlertSurvivesNotifierFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	trip := fx.start(t)
	fx.notifier.alertErr = errors.New("nats: connection closed")

	alert, err := fx.engine.RaiseAlert(ctx, NewAlert{TripID: ptr(trip.ID), Type: "sos", Title: "help"})
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, alert.Severity)

	stored, err := fx.store.Queries().GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, "help", stored.Title)
}

func TestResolveAlertIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	trip := fx.start(t)
	alert, err := fx.engine.RaiseAlert(ctx, NewAlert{TripID: ptr(trip.ID), Type: "delay", Title: "traffic"})
	require.NoError(t, err)

	resolved, changed, err := fx.engine.ResolveAlert(ctx, alert.ID, ptr("cleared"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)
	firstAt := *resolved.ResolvedAt

	fx.clock.Advance(5 * time.Minute)
	again, changed, err := fx.engine.ResolveAlert(ctx, alert.ID, ptr("other"))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, again.ResolvedAt.Equal(firstAt))
	require.NotNil(t, again.ResolutionNotes)
	assert.Equal(t, "cleared", *again.ResolutionNotes)

	open, err := fx.engine.OpenAlerts(ctx, trip.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := fx.engine.Alerts(ctx, trip.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, _, err = fx.engine.ResolveAlert(ctx, "missing", nil)
	requireCode(t, err, CodeNotFound)
}
