package fetcher

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"price-alert-engine/internal/config"
	"price-alert-engine/internal/models"
)

// Router picks a source per symbol: vaults first, then configured crypto ids, then equities.
type Router struct {
	vault   *Vault
	crypto  PriceSource
	equity  PriceSource
	cryptos map[string]string
}

// NewRouter wires the configured sources.
func NewRouter(cfg config.PricesConfig, logger zerolog.Logger) *Router {
	return &Router{
		vault: NewVault(VaultOptions{
			RPCURL:  cfg.Ethereum.RPCURL,
			Vaults:  cfg.Ethereum.Vaults,
			Timeout: cfg.RequestTimeout,
		}, logger),
		crypto: NewCoinCap(HTTPOptions{
			BaseURL:   cfg.CoinCapBaseURL,
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
			APIKey:    cfg.CoinCapAPIKey,
		}, cfg.CryptoIDs, logger),
		equity: NewYahoo(HTTPOptions{
			BaseURL:   cfg.YahooBaseURL,
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
		}, logger),
		cryptos: cfg.CryptoIDs,
	}
}

// Source returns the source responsible for symbol.
func (r *Router) Source(symbol string) PriceSource {
	if r.vault != nil && r.vault.Has(symbol) {
		return r.vault
	}
	if _, ok := r.cryptos[strings.ToUpper(symbol)]; ok {
		return r.crypto
	}
	return r.equity
}

// Name labels the source responsible for symbol.
func (r *Router) Name(symbol string) string {
	switch r.Source(symbol).(type) {
	case *Vault:
		return "vault"
	case *CoinCap:
		return "coincap"
	default:
		return "yahoo"
	}
}

// Quote delegates to the responsible source.
func (r *Router) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	return r.Source(symbol).Quote(ctx, symbol)
}

// Close releases source connections.
func (r *Router) Close() {
	if r.vault != nil {
		r.vault.Close()
	}
}

var _ PriceSource = (*Router)(nil)
