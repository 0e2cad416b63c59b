// Package hub is the client for the Everywhere Hub tracks API, used for the
// bulk "latest position per device" pull.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/everywhere-relay/everywhere-relay/internal/config"
	"github.com/everywhere-relay/everywhere-relay/internal/feature"
	"github.com/everywhere-relay/everywhere-relay/internal/track"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

var (
	// ErrUnexpectedStatus is returned for any non-2xx response.
	ErrUnexpectedStatus = errors.New("unexpected upstream status")
	// ErrShape is returned when the response is not the expected feature collection.
	ErrShape = errors.New("unexpected upstream response shape")
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "everywhere_relay_hub_requests_total",
		Help: "Total Everywhere Hub API requests made.",
	}, []string{"status_code"})
	requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "everywhere_relay_hub_request_duration_seconds",
		Help:    "Duration of Everywhere Hub API requests.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

var validate = validator.New()

// Query holds the per-invocation parameters of a bulk pull.
type Query struct {
	TokenID string
	// Since is the lower time bound; older positions are not returned.
	Since time.Time
	// TimeBoundFormat selects how Since is encoded, one of the
	// config.TimeBound* values.
	TimeBoundFormat string
}

// trackCollection is the response body of the tracks endpoint.
type trackCollection struct {
	Type     string             `json:"type"     validate:"eq=FeatureCollection"`
	Features []track.HubFeature `json:"features" validate:"dive"`
}

// Client performs rate-limited requests against the tracks endpoint.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *logrus.Entry
}

// New creates a Client for the tracks endpoint at endpoint. rps and burst
// control the local token-bucket rate limiter (0 or negative disables it).
func New(endpoint string, timeout time.Duration, rps, burst int, logger *logrus.Entry) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing hub URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("hub URL %q: scheme must be http or https", endpoint)
	}

	log := logger.WithField("component", "hub")
	return &Client{
		endpoint:    u.String(),
		httpClient:  &http.Client{Timeout: timeout},
		rateLimiter: NewRateLimiter(rps, burst, log.WithField("component", "rate_limiter")),
		logger:      log,
	}, nil
}

// RateLimiter returns the rate limiter associated with this client.
func (c *Client) RateLimiter() *RateLimiter {
	return c.rateLimiter
}

// Latest fetches the latest position of every device reported since q.Since.
// It makes exactly one request; retrying is left to the next scheduled tick.
func (c *Client) Latest(ctx context.Context, q Query) ([]track.HubFeature, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	reqURL, err := c.buildURL(q)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	c.rateLimiter.UpdateFromHeaders(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	var fc trackCollection
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&fc); err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", ErrShape, err)
	}
	if err := validate.Struct(fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}

	c.logger.WithField("features", len(fc.Features)).Debug("fetched latest positions")
	return fc.Features, nil
}

func (c *Client) buildURL(q Query) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing hub URL: %w", err)
	}
	params := u.Query()
	params.Set("tokenId", q.TokenID)
	params.Set("noEarlierThan", FormatTimeBound(q.Since, q.TimeBoundFormat))
	params.Set("latestPositionOnly", "true")
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// FormatTimeBound encodes a lower time bound the way the given connector
// variant sends it.
func FormatTimeBound(t time.Time, format string) string {
	if format == config.TimeBoundISO8601 {
		return t.UTC().Format(feature.TimeFormat)
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
