package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-alert-engine/internal/config"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func TestYahooQuoteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v8/finance/chart/AAPL", r.URL.Path)
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"chart":{"result":[{"meta":{"symbol":"AAPL","regularMarketPrice":181.25,"regularMarketTime":1700000000,"chartPreviousClose":175.5}}],"error":null}}`))
	}))
	defer srv.Close()

	y := NewYahoo(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second, UserAgent: "test-agent"}, noopLogger())
	q, err := y.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Value.Equal(decimal.RequireFromString("181.25")), "价格应为 181.25, 实际 %s", q.Value)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), q.At)
	assert.Equal(t, "yahoo", q.Source)
	require.NotNil(t, q.PreviousClose, "应解析 chartPreviousClose")
	assert.True(t, q.PreviousClose.Equal(decimal.RequireFromString("175.5")))
}

func TestYahooQuoteErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, ErrRateLimited},
		{"server error", http.StatusBadGateway, `oops`, ErrUnavailable},
		{"not found", http.StatusNotFound, `{"chart":{"result":null,"error":{"code":"Not Found"}}}`, ErrUnknownSymbol},
		{"chart error", http.StatusOK, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`, ErrUnknownSymbol},
		{"empty result", http.StatusOK, `{"chart":{"result":[]}}`, ErrUnavailable},
		{"bad json", http.StatusOK, `{`, ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			y := NewYahoo(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
			_, err := y.Quote(context.Background(), "ZZZZ")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, Skippable(err))
		})
	}
}

func TestYahooUnreachable(t *testing.T) {
	y := NewYahoo(HTTPOptions{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, noopLogger())
	_, err := y.Quote(context.Background(), "AAPL")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCoinCapQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/assets/polygon-pos", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":      map[string]string{"id": "polygon-pos", "symbol": "MATIC", "priceUsd": "0.5123456789"},
			"timestamp": 1700000000123,
		})
	}))
	defer srv.Close()

	c := NewCoinCap(HTTPOptions{BaseURL: srv.URL, APIKey: "key"}, map[string]string{"MATIC": "polygon-pos"}, noopLogger())
	q, err := c.Quote(context.Background(), "matic")
	require.NoError(t, err)
	assert.Equal(t, "0.5123456789", q.Value.String())
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), q.At)
	assert.Equal(t, "coincap", q.Source)
}

func TestCoinCapUnknownAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/assets/nope", r.URL.Path, "unmapped symbols are sent lower-cased")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"nope not found"}`))
	}))
	defer srv.Close()

	c := NewCoinCap(HTTPOptions{BaseURL: srv.URL}, nil, noopLogger())
	_, err := c.Quote(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

type fakeChain struct {
	head    *types.Header
	shares  *big.Int
	callErr error
	atBlock *big.Int
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.atBlock = block
	if f.callErr != nil {
		return nil, f.callErr
	}
	return erc4626ABI.Methods["previewDeposit"].Outputs.Pack(f.shares)
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return f.head, nil
}

func TestVaultQuote(t *testing.T) {
	shares, _ := new(big.Int).SetString("987654321000000000", 10)
	chain := &fakeChain{head: &types.Header{Number: big.NewInt(19_000_000), Time: 1700000012}, shares: shares}

	v := NewVault(VaultOptions{Vaults: map[string]string{"SUSDE": "0x9D39A5DE30e57443BfF2A8307A4256c8797A3497"}}, noopLogger())
	v.client = chain

	q, err := v.Quote(context.Background(), "sUSDe")
	require.NoError(t, err)
	assert.Equal(t, "0.987654321", q.Value.String())
	assert.Equal(t, time.Unix(1700000012, 0).UTC(), q.At, "报价时间取区块时间")
	assert.Equal(t, int64(19_000_000), chain.atBlock.Int64(), "call is pinned to the timestamped block")
}

func TestVaultErrors(t *testing.T) {
	v := NewVault(VaultOptions{Vaults: map[string]string{"SUSDE": "0x1"}}, noopLogger())
	_, err := v.Quote(context.Background(), "SUSDE")
	assert.ErrorIs(t, err, ErrUnavailable, "未配置 RPC 时应报错")

	_, err = v.Quote(context.Background(), "OTHER")
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	v.client = &fakeChain{head: &types.Header{Number: big.NewInt(1)}, callErr: errors.New("execution reverted")}
	_, err = v.Quote(context.Background(), "SUSDE")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRouterPicksSource(t *testing.T) {
	r := NewRouter(config.PricesConfig{
		CryptoIDs: map[string]string{"BTC": "bitcoin"},
		Ethereum:  config.EthereumConfig{RPCURL: "http://localhost:8545", Vaults: map[string]string{"SUSDE": "0x1"}},
	}, noopLogger())
	defer r.Close()

	assert.IsType(t, &Vault{}, r.Source("susde"))
	assert.IsType(t, &CoinCap{}, r.Source("btc"))
	assert.IsType(t, &Yahoo{}, r.Source("AAPL"))
	assert.Equal(t, "coincap", r.Name("BTC"))
	assert.Equal(t, "yahoo", r.Name("MSFT"))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "rate_limited", Reason(ErrRateLimited))
	assert.Equal(t, "unknown_symbol", Reason(ErrUnknownSymbol))
	assert.Equal(t, "timeout", Reason(context.DeadlineExceeded))
	assert.Equal(t, "unavailable", Reason(errors.New("x")))
	assert.False(t, Skippable(errors.New("x")))
}
