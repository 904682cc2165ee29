package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"price-alert-engine/internal/models"
)

var (
	// ErrUnavailable marks a source that could not produce a quote this tick.
	ErrUnavailable = errors.New("price source unavailable")
	// ErrRateLimited marks a source that throttled the request.
	ErrRateLimited = errors.New("price source rate limited")
	// ErrUnknownSymbol marks a symbol the source does not list.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// PriceSource supplies the latest quote for a symbol.
type PriceSource interface {
	Quote(ctx context.Context, symbol string) (models.Quote, error)
}

// Reason buckets a fetch error for metrics labels.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}

// Skippable reports whether the error only costs the current tick.
func Skippable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnknownSymbol)
}

// getJSON performs a GET and decodes a 200 response into out.
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		if strings.TrimSpace(v) != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if err := statusError(resp.StatusCode, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return nil
}

func statusError(status int, payload []byte) error {
	if status == http.StatusOK {
		return nil
	}
	body := strings.TrimSpace(string(payload))
	if len(body) > 200 {
		body = body[:200]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w (%d)", ErrRateLimited, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w (%d): %s", ErrUnknownSymbol, status, body)
	default:
		return fmt.Errorf("%w (%d): %s", ErrUnavailable, status, body)
	}
}
