package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/raterudder/optimshine/pkg/log"
	"github.com/raterudder/optimshine/pkg/metrics"
)

// StatusError is returned when a JSON API answers with anything but 200.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// JSONRequest describes a single JSON call. API is only used to label logs
// and metrics.
type JSONRequest struct {
	API    string
	Method string
	URL    string
	Body   any
	Token  string
}

// GetJSON issues a GET and decodes the body into dest.
func GetJSON(ctx context.Context, client *http.Client, api, url string, dest any) error {
	return DoJSON(ctx, client, JSONRequest{
		API:    api,
		Method: http.MethodGet,
		URL:    url,
	}, dest)
}

// PostJSON issues a POST with a JSON body and decodes the response into
// dest. An empty token sends no Authorization header.
func PostJSON(ctx context.Context, client *http.Client, api, url string, body any, token string, dest any) error {
	return DoJSON(ctx, client, JSONRequest{
		API:    api,
		Method: http.MethodPost,
		URL:    url,
		Body:   body,
		Token:  token,
	}, dest)
}

// DoJSON performs the request. A non-200 status yields a *StatusError and an
// undecodable body yields a decode error; dest is untouched in both cases.
func DoJSON(ctx context.Context, client *http.Client, r JSONRequest, dest any) error {
	var body io.Reader
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", r.API, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("lang", "en_US")
	if r.Token != "" {
		req.Header.Set("Authorization", r.Token)
	}

	start := time.Now()
	resp, err := client.Do(req)
	metrics.APILatency.WithLabelValues(r.API, r.Method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APICallsTotal.WithLabelValues(r.API, r.Method, "error").Inc()
		return fmt.Errorf("%s request failed: %w", r.API, err)
	}
	defer resp.Body.Close()
	metrics.APICallsTotal.WithLabelValues(r.API, r.Method, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		log.Ctx(ctx).ErrorContext(
			ctx,
			"api request failed",
			slog.String("api", r.API),
			slog.String("method", r.Method),
			slog.Int("status", resp.StatusCode),
		)
		return &StatusError{Code: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", r.API, err)
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		log.Ctx(ctx).ErrorContext(
			ctx,
			"failed to decode api response",
			slog.String("api", r.API),
			slog.Any("error", err),
			slog.String("body", string(raw)),
		)
		return fmt.Errorf("failed to decode %s response: %w", r.API, err)
	}
	return nil
}
