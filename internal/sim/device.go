package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bustrack/internal/models"
)

// Fix is a position report as a device sends it.
type Fix struct {
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	Speed      *float64   `json:"speed,omitempty"`
	Heading    *float64   `json:"heading,omitempty"`
	ClientTime *time.Time `json:"clientTime,omitempty"`
}

// StartRequest opens a trip from the device.
type StartRequest struct {
	RouteID     string `json:"routeId"`
	DriverID    string `json:"driverId,omitempty"`
	TripType    string `json:"tripType"`
	ServiceDate string `json:"serviceDate,omitempty"`
}

// Device is the driver-side surface of the tracking service.
type Device interface {
	StartTrip(ctx context.Context, req StartRequest) (models.Trip, error)
	SendFixes(ctx context.Context, tripID string, fixes []Fix) error
	Arrive(ctx context.Context, tripID, stopID string) error
	Depart(ctx context.Context, tripID, stopID string, boarded, exited int) error
	Scan(ctx context.Context, tripID, studentID, stopID string, typ models.ScanType) error
	EndTrip(ctx context.Context, tripID string) error
}

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// HTTPDevice talks to the /v1 API as one driver.
type HTTPDevice struct {
	base     string
	driverID string
	key      string
	client   *http.Client
}

// NewHTTPDevice returns a device for driverID authenticating with key.
func NewHTTPDevice(baseURL, driverID, key string, timeout time.Duration) *HTTPDevice {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDevice{
		base:     strings.TrimRight(baseURL, "/") + "/v1",
		driverID: driverID,
		key:      key,
		client:   &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDevice) StartTrip(ctx context.Context, req StartRequest) (models.Trip, error) {
	var trip models.Trip
	err := d.post(ctx, "/trips/start", req, &trip)
	return trip, err
}

// SendFixes posts fixes as one batch. A 202 means the service took the
// request but did not store it; that is reported as an error so the caller
// keeps the fixes for the next attempt.
func (d *HTTPDevice) SendFixes(ctx context.Context, tripID string, fixes []Fix) error {
	var res struct {
		Stored bool `json:"stored"`
	}
	if err := d.post(ctx, "/trips/"+url.PathEscape(tripID)+"/fixes", fixes, &res); err != nil {
		return err
	}
	if !res.Stored {
		return &StatusError{Status: http.StatusAccepted, Message: "fixes not stored"}
	}
	return nil
}

func (d *HTTPDevice) Arrive(ctx context.Context, tripID, stopID string) error {
	return d.post(ctx, d.stopPath(tripID, stopID, "arrive"), struct{}{}, nil)
}

func (d *HTTPDevice) Depart(ctx context.Context, tripID, stopID string, boarded, exited int) error {
	body := map[string]int{"boarded": boarded, "exited": exited}
	return d.post(ctx, d.stopPath(tripID, stopID, "depart"), body, nil)
}

func (d *HTTPDevice) Scan(ctx context.Context, tripID, studentID, stopID string, typ models.ScanType) error {
	body := map[string]any{"studentId": studentID, "type": typ}
	if stopID != "" {
		body["stopId"] = stopID
	}
	return d.post(ctx, "/trips/"+url.PathEscape(tripID)+"/scans", body, nil)
}

func (d *HTTPDevice) EndTrip(ctx context.Context, tripID string) error {
	return d.post(ctx, "/trips/"+url.PathEscape(tripID)+"/end", struct{}{}, nil)
}

func (d *HTTPDevice) stopPath(tripID, stopID, action string) string {
	return "/trips/" + url.PathEscape(tripID) + "/stops/" + url.PathEscape(stopID) + "/" + action
}

func (d *HTTPDevice) post(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Driver-ID", d.driverID)
	if d.key != "" {
		req.Header.Set("X-Device-Key", d.key)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.Unmarshal(raw, &body)
		if body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}
