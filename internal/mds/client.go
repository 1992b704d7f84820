// Package mds is the HTTP client for the Market Data Service.
//
// Endpoints:
//
//	GET {base}/historical_data?symbol=&timeframe=
//	GET {base}/indicators?symbol=&indicator_type=&period=&timeframe=
//
// Non-2xx responses are returned as *StatusError carrying the body's
// {"error": "..."} message when present.
package mds

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

	"marketview/internal/marketdata/history"
	"marketview/internal/model"
)

// maxBody caps how much of a response body is read.
const maxBody = 32 << 20

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// Client talks to one Market Data Service.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// Optional hook, called after every request with the endpoint name,
	// duration and error (nil on success).
	OnRequest func(endpoint string, d time.Duration, err error)
}

// New creates a client. timeout 0 means the transport decides.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// HistoricalData fetches the raw historical snapshot payload.
func (c *Client) HistoricalData(ctx context.Context, instrument string, tf model.Timeframe) (*history.Payload, error) {
	q := url.Values{}
	q.Set("symbol", instrument)
	q.Set("timeframe", tf.String())

	var p history.Payload
	if err := c.get(ctx, "historical_data", q, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type indicatorResponse struct {
	Symbol        string `json:"symbol"`
	IndicatorType string `json:"indicator_type"`
	Period        int    `json:"period"`
	Timeframe     string `json:"timeframe"`
	Data          struct {
		Timestamps []int64    `json:"timestamps"`
		Values     []*float64 `json:"values"`
		Signal     []*float64 `json:"signal,omitempty"`
	} `json:"data"`
}

// Indicator fetches one indicator series.
func (c *Client) Indicator(ctx context.Context, key model.IndicatorKey) (model.IndicatorSeries, error) {
	q := url.Values{}
	q.Set("symbol", key.Instrument)
	q.Set("indicator_type", key.Type)
	q.Set("period", strconv.Itoa(key.Period))
	q.Set("timeframe", key.Timeframe.String())

	var resp indicatorResponse
	if err := c.get(ctx, "indicators", q, &resp); err != nil {
		return model.IndicatorSeries{}, err
	}

	ts := resp.Data.Timestamps
	if len(resp.Data.Values) != len(ts) {
		return model.IndicatorSeries{}, fmt.Errorf("malformed indicator payload: %d timestamps, %d values",
			len(ts), len(resp.Data.Values))
	}
	series := model.IndicatorSeries{Key: key, Points: toPoints(ts, resp.Data.Values)}
	if resp.Data.Signal != nil {
		if len(resp.Data.Signal) != len(ts) {
			return model.IndicatorSeries{}, fmt.Errorf("malformed indicator payload: %d timestamps, %d signal values",
				len(ts), len(resp.Data.Signal))
		}
		series.Lines = map[string][]model.Point{"signal": toPoints(ts, resp.Data.Signal)}
	}
	return series, nil
}

func toPoints(ts []int64, vals []*float64) []model.Point {
	pts := make([]model.Point, len(ts))
	for i, t := range ts {
		pts[i].Time = time.Unix(t, 0).UTC()
		if vals[i] != nil {
			pts[i].Value = *vals[i]
			pts[i].Valid = true
		}
	}
	return pts
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.OnRequest != nil {
			c.OnRequest(endpoint, time.Since(start), err)
		}
	}()

	u := c.BaseURL + "/" + endpoint + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode}
		var eb struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &eb) == nil {
			se.Message = eb.Error
			if se.Message == "" {
				se.Message = eb.Detail
			}
		}
		return se
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}
