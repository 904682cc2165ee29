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

// CoinCap reads crypto asset prices from the CoinCap v2 API.
type CoinCap struct {
	opts    HTTPOptions
	ids     map[string]string
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCoinCap constructs a CoinCap source. ids maps tracked symbols to asset ids;
// symbols missing from it are sent lower-cased as the id.
func NewCoinCap(opts HTTPOptions, ids map[string]string, logger zerolog.Logger) *CoinCap {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coincap.io"
	}
	return &CoinCap{
		opts:    opts,
		ids:     ids,
		logger:  logger.With().Str("component", "coincap_source").Logger(),
		client:  newHTTPClient(opts.Timeout),
		baseURL: baseURL,
	}
}

type coinCapAssetResponse struct {
	Data *struct {
		ID       string          `json:"id"`
		Symbol   string          `json:"symbol"`
		PriceUSD decimal.Decimal `json:"priceUsd"`
	} `json:"data"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

func (c *CoinCap) assetID(symbol string) string {
	if id, ok := c.ids[strings.ToUpper(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(symbol)
}

// Quote fetches the USD price of symbol.
func (c *CoinCap) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	id := c.assetID(symbol)
	endpoint := c.baseURL + "/v2/assets/" + url.PathEscape(id)

	headers := map[string]string{"User-Agent": c.opts.UserAgent}
	if c.opts.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.opts.APIKey
	}

	var res coinCapAssetResponse
	if err := getJSON(ctx, c.client, endpoint, headers, &res); err != nil {
		return models.Quote{}, fmt.Errorf("coincap %s: %w", id, err)
	}
	if res.Data == nil {
		if res.Error != "" {
			return models.Quote{}, fmt.Errorf("coincap %s: %w: %s", id, ErrUnknownSymbol, res.Error)
		}
		return models.Quote{}, fmt.Errorf("coincap %s: %w: missing data", id, ErrUnavailable)
	}
	if res.Timestamp <= 0 {
		return models.Quote{}, fmt.Errorf("coincap %s: %w: missing timestamp", id, ErrUnavailable)
	}

	c.logger.Debug().Str("symbol", symbol).Str("asset", id).Str("price", res.Data.PriceUSD.String()).Msg("quote fetched")
	return models.Quote{
		Symbol: symbol,
		Value:  res.Data.PriceUSD,
		At:     time.UnixMilli(res.Timestamp).UTC(),
		Source: "coincap",
	}, nil
}

var _ PriceSource = (*CoinCap)(nil)
