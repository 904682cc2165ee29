package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-alert-engine/internal/models"
)

const yahooChartPath = "/v8/finance/chart/"

// HTTPOptions parameterise the HTTP-backed sources.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	APIKey    string
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Yahoo reads equity quotes from the Yahoo Finance chart endpoint.
type Yahoo struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewYahoo constructs a Yahoo chart source.
func NewYahoo(opts HTTPOptions, logger zerolog.Logger) *Yahoo {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		// Yahoo rejects requests without a browser-like agent
		opts.UserAgent = "Mozilla/5.0"
	}
	return &Yahoo{
		opts:    opts,
		logger:  logger.With().Str("component", "yahoo_source").Logger(),
		client:  newHTTPClient(opts.Timeout),
		baseURL: baseURL,
	}
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string           `json:"symbol"`
				Currency           string           `json:"currency"`
				RegularMarketPrice decimal.Decimal  `json:"regularMarketPrice"`
				RegularMarketTime  int64            `json:"regularMarketTime"`
				ChartPreviousClose *decimal.Decimal `json:"chartPreviousClose"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote fetches the regular market price of symbol.
func (y *Yahoo) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	endpoint := y.baseURL + yahooChartPath + url.PathEscape(symbol)

	var res yahooChartResponse
	if err := getJSON(ctx, y.client, endpoint, map[string]string{"User-Agent": y.opts.UserAgent}, &res); err != nil {
		return models.Quote{}, fmt.Errorf("yahoo %s: %w", symbol, err)
	}
	if res.Chart.Error != nil {
		return models.Quote{}, fmt.Errorf("yahoo %s: %w: %s", symbol, ErrUnknownSymbol, res.Chart.Error.Description)
	}
	if len(res.Chart.Result) == 0 {
		return models.Quote{}, fmt.Errorf("yahoo %s: %w: empty chart result", symbol, ErrUnavailable)
	}

	meta := res.Chart.Result[0].Meta
	if meta.RegularMarketTime <= 0 {
		return models.Quote{}, fmt.Errorf("yahoo %s: %w: missing market time", symbol, ErrUnavailable)
	}

	y.logger.Debug().Str("symbol", symbol).Str("price", meta.RegularMarketPrice.String()).Msg("quote fetched")
	return models.Quote{
		Symbol:        symbol,
		Value:         meta.RegularMarketPrice,
		At:            time.Unix(meta.RegularMarketTime, 0).UTC(),
		Source:        "yahoo",
		PreviousClose: meta.ChartPreviousClose,
	}, nil
}

var _ PriceSource = (*Yahoo)(nil)
