package tsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// VictoriaMetrics maps line protocol as measurement_field, so the value
// field of breaker_metrics becomes this series name. Tags become labels.
const breakerMetricSeries = "breaker_metrics_value"

// QueryMetricRange returns the raw Prometheus-format range result for one
// breaker metric over [start, end] at the given step.
//
// The selector is built from the labels WriteBreakerMetric tags its points
// with, so callers pass the same endpoint and metric names they write:
//
//	client.QueryMetricRange(ctx, "bkr-0001", "current_a_amps", start, end, 30*time.Second)
//
// The response body is passed through untouched; the HTTP API serves it
// to dashboards as-is.
func (c *Client) QueryMetricRange(ctx context.Context, endpointID, metric string, start, end time.Time, step time.Duration) (json.RawMessage, error) {
	if strings.TrimSpace(endpointID) == "" {
		return nil, fmt.Errorf("endpoint id is required")
	}
	if strings.TrimSpace(metric) == "" {
		return nil, fmt.Errorf("metric name is required")
	}
	return c.QueryRange(ctx, breakerSelector(endpointID, metric), start, end, step)
}

// QueryLatestMetric returns the instant-query result for the most recent
// sample of one breaker metric.
func (c *Client) QueryLatestMetric(ctx context.Context, endpointID, metric string) (json.RawMessage, error) {
	if strings.TrimSpace(endpointID) == "" {
		return nil, fmt.Errorf("endpoint id is required")
	}
	if strings.TrimSpace(metric) == "" {
		return nil, fmt.Errorf("metric name is required")
	}
	return c.QueryInstant(ctx, breakerSelector(endpointID, metric))
}

// breakerSelector builds the PromQL series selector for one device metric.
func breakerSelector(endpointID, metric string) string {
	return fmt.Sprintf("%s{endpoint_id=%q,metric=%q}", breakerMetricSeries, endpointID, metric)
}

// QueryRange executes a raw PromQL range query.
//
// Most callers want QueryMetricRange; this is the escape hatch for
// aggregations across the fleet (rates, sums over endpoint_id).
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) (json.RawMessage, error) {
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("tsdb query is required")
	}
	if step <= 0 {
		return nil, fmt.Errorf("step must be positive")
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end must be after start")
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("start", formatUnixSeconds(start))
	params.Set("end", formatUnixSeconds(end))
	params.Set("step", formatStepSeconds(step))

	return c.doQuery(ctx, "/api/v1/query_range", params)
}

// QueryInstant executes a raw PromQL instant query.
func (c *Client) QueryInstant(ctx context.Context, query string) (json.RawMessage, error) {
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("tsdb query is required")
	}

	params := url.Values{}
	params.Set("query", query)

	return c.doQuery(ctx, "/api/v1/query", params)
}

// doQuery executes a query request and returns the raw response body.
func (c *Client) doQuery(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	endpoint := c.url + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer resp.Body.Close()

	const maxResponseSize = 10 << 20 // 10 MB
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query failed: HTTP %d", resp.StatusCode)
	}

	return json.RawMessage(body), nil
}

// formatUnixSeconds converts a timestamp to a seconds-since-epoch string.
func formatUnixSeconds(t time.Time) string {
	seconds := float64(t.UnixNano()) / float64(time.Second)
	return strconv.FormatFloat(seconds, 'f', -1, 64)
}

// formatStepSeconds converts a step duration to a Prometheus-compatible seconds string.
func formatStepSeconds(step time.Duration) string {
	return strconv.FormatFloat(step.Seconds(), 'f', -1, 64)
}
