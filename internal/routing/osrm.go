// Package routing is the outbound client for the external routing
// provider (OSRM). It is used only for route-level precomputation at trip
// start; per-sample ETAs are computed locally by package geo, so the
// engine keeps working when the provider is down.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mwiesner/fleettrack/internal/geo"
	"github.com/mwiesner/fleettrack/internal/trip"
)

const (
	defaultTimeout = 5 * time.Second
	maxRetries     = 3
)

// OSRMClient talks to an OSRM "route" endpoint. Safe for concurrent use.
type OSRMClient struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

func NewOSRMClient(baseURL string, log *slog.Logger) *OSRMClient {
	return &OSRMClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		log:     log,
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		DistanceM float64 `json:"distance"`
		DurationS float64 `json:"duration"`
	} `json:"routes"`
}

// Estimate fetches driving distance and duration between two points.
// Transient failures (network errors, 5xx) are retried with fibonacci
// backoff; a 4xx or a non-Ok OSRM code fails immediately.
func (c *OSRMClient) Estimate(ctx context.Context, origin, dest geo.Point) (trip.RouteEstimate, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%f,%f;%f,%f?overview=false",
		c.baseURL, origin.Lon, origin.Lat, dest.Lon, dest.Lat)

	var est trip.RouteEstimate
	backoff := retry.WithMaxRetries(maxRetries, retry.NewFibonacci(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("osrm status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("osrm status %d", resp.StatusCode)
		}

		var body osrmResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if body.Code != "Ok" || len(body.Routes) == 0 {
			return fmt.Errorf("osrm code %q with %d routes", body.Code, len(body.Routes))
		}

		est = trip.RouteEstimate{
			DistanceKm:  body.Routes[0].DistanceM / 1000,
			DurationMin: int(body.Routes[0].DurationS/60) + 1,
		}
		return nil
	})
	if err != nil {
		return trip.RouteEstimate{}, fmt.Errorf("routing.OSRMClient.Estimate: %w", err)
	}
	return est, nil
}

var _ trip.Router = (*OSRMClient)(nil)
