package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-alert-engine/internal/models"
)

const (
	erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"assets","type":"uint256"}],"name":"previewDeposit","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc4626ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// chainReader is the part of ethclient the vault source calls.
type chainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// VaultOptions parameterise the on-chain source.
type VaultOptions struct {
	RPCURL string
	// Vaults maps an upper-cased symbol to its ERC-4626 contract address.
	Vaults  map[string]string
	Timeout time.Duration
}

// Vault quotes ERC-4626 share prices via Ethereum RPC.
type Vault struct {
	opts      VaultOptions
	logger    zerolog.Logger
	client    chainReader
	clientMux sync.Mutex
}

// NewVault builds an on-chain vault source.
func NewVault(opts VaultOptions, logger zerolog.Logger) *Vault {
	return &Vault{opts: opts, logger: logger.With().Str("component", "vault_source").Logger()}
}

// Has reports whether symbol is a configured vault.
func (v *Vault) Has(symbol string) bool {
	_, ok := v.opts.Vaults[strings.ToUpper(symbol)]
	return ok
}

// Quote returns shares minted for one whole asset, timestamped with the head block.
func (v *Vault) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	address, ok := v.opts.Vaults[strings.ToUpper(symbol)]
	if !ok {
		return models.Quote{}, fmt.Errorf("vault %s: %w", symbol, ErrUnknownSymbol)
	}
	if v.opts.RPCURL == "" && v.client == nil {
		return models.Quote{}, fmt.Errorf("vault %s: %w: ethereum rpc url not configured", symbol, ErrUnavailable)
	}

	timeout := v.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := v.getClient(ctx)
	if err != nil {
		return models.Quote{}, fmt.Errorf("vault %s: %w: dial: %v", symbol, ErrUnavailable, err)
	}

	// pin the call to the header we timestamp with
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return models.Quote{}, fmt.Errorf("vault %s: %w: head: %v", symbol, ErrUnavailable, err)
	}

	addr := common.HexToAddress(address)
	assets := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	payload, err := erc4626ABI.Pack("previewDeposit", assets)
	if err != nil {
		return models.Quote{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, head.Number)
	if err != nil {
		return models.Quote{}, fmt.Errorf("vault %s: %w: call: %v", symbol, ErrUnavailable, err)
	}

	outputs, err := erc4626ABI.Unpack("previewDeposit", res)
	if err != nil {
		return models.Quote{}, fmt.Errorf("vault %s: %w: unpack: %v", symbol, ErrUnavailable, err)
	}
	if len(outputs) != 1 {
		return models.Quote{}, errors.New("unexpected previewDeposit response")
	}
	shares, ok := outputs[0].(*big.Int)
	if !ok {
		return models.Quote{}, errors.New("failed to decode previewDeposit output")
	}

	v.logger.Debug().Str("symbol", symbol).Uint64("block", head.Number.Uint64()).Msg("vault quote fetched")
	return models.Quote{
		Symbol: symbol,
		Value:  decimal.NewFromBigInt(shares, -18),
		At:     time.Unix(int64(head.Time), 0).UTC(),
		Source: "vault",
	}, nil
}

func (v *Vault) getClient(ctx context.Context) (chainReader, error) {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()

	if v.client != nil {
		return v.client, nil
	}

	client, err := ethclient.DialContext(ctx, v.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	v.client = client
	return client, nil
}

// Close releases the RPC connection.
func (v *Vault) Close() {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()
	if c, ok := v.client.(*ethclient.Client); ok {
		c.Close()
	}
	v.client = nil
}

var _ PriceSource = (*Vault)(nil)
