package ledger

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
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"vault-watcher/internal/registry"
)

const (
	erc20ABIJSON = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`
	weiDecimals  = 18
)

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// EVMOptions parameterise the EVM JSON-RPC client.
type EVMOptions struct {
	RPCURL    string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// EVM reads native balances, ERC-20 balances and contract code over Ethereum JSON-RPC.
type EVM struct {
	opts    EVMOptions
	logger  zerolog.Logger
	limiter *rate.Limiter

	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux sync.Mutex
	decimals    map[common.Address]int32
}

// NewEVM builds an EVM ledger source. The connection is dialled lazily.
func NewEVM(opts EVMOptions, logger zerolog.Logger) *EVM {
	return &EVM{
		opts:     opts,
		logger:   logger.With().Str("component", "evm_ledger").Logger(),
		limiter:  newLimiter(opts.RateLimit, opts.RateBurst),
		decimals: make(map[common.Address]int32),
	}
}

// Balance returns the ERC-20 balance when the account names a token, else the native balance.
func (e *EVM) Balance(ctx context.Context, acct registry.Account) (decimal.Decimal, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	holder := common.HexToAddress(acct.Address)

	if acct.Token == "" {
		callCtx, cancel, err := callContext(ctx, e.limiter, e.opts.Timeout)
		if err != nil {
			return decimal.Decimal{}, err
		}
		defer cancel()

		wei, err := client.BalanceAt(callCtx, holder, nil)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("eth_getBalance %s: %w", acct.Address, err)
		}
		return decimal.NewFromBigInt(wei, -weiDecimals), nil
	}

	token := common.HexToAddress(acct.Token)
	places, err := e.tokenDecimals(ctx, client, token)
	if err != nil {
		return decimal.Decimal{}, err
	}

	out, err := e.call(ctx, client, token, "balanceOf", holder)
	if err != nil {
		return decimal.Decimal{}, err
	}
	amount, ok := out.(*big.Int)
	if !ok {
		return decimal.Decimal{}, &DecodeError{Address: acct.Token, What: "balanceOf output"}
	}
	return decimal.NewFromBigInt(amount, -places), nil
}

// AccountData returns the deployed contract bytecode.
func (e *EVM) AccountData(ctx context.Context, acct registry.Account) ([]byte, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}
	callCtx, cancel, err := callContext(ctx, e.limiter, e.opts.Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	code, err := client.CodeAt(callCtx, common.HexToAddress(acct.Address), nil)
	if err != nil {
		return nil, fmt.Errorf("eth_getCode %s: %w", acct.Address, err)
	}
	return code, nil
}

// Describe renders the keccak code hash and size.
func (e *EVM) Describe(data []byte) string {
	if len(data) == 0 {
		return "no contract code"
	}
	return fmt.Sprintf("code hash %s, %d bytes", crypto.Keccak256Hash(data).Hex(), len(data))
}

func (e *EVM) tokenDecimals(ctx context.Context, client *ethclient.Client, token common.Address) (int32, error) {
	e.decimalsMux.Lock()
	places, ok := e.decimals[token]
	e.decimalsMux.Unlock()
	if ok {
		return places, nil
	}

	out, err := e.call(ctx, client, token, "decimals")
	if err != nil {
		return 0, err
	}
	value, ok := out.(uint8)
	if !ok {
		return 0, &DecodeError{Address: token.Hex(), What: "decimals output"}
	}

	e.decimalsMux.Lock()
	e.decimals[token] = int32(value)
	e.decimalsMux.Unlock()
	return int32(value), nil
}

func (e *EVM) call(ctx context.Context, client *ethclient.Client, to common.Address, method string, args ...any) (any, error) {
	payload, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	callCtx, cancel, err := callContext(ctx, e.limiter, e.opts.Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	res, err := client.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%s has no %s: %w", to.Hex(), method, ErrAccountNotFound)
	}

	outputs, err := erc20ABI.Unpack(method, res)
	if err != nil {
		return nil, &DecodeError{Address: to.Hex(), What: method, Err: err}
	}
	if len(outputs) != 1 {
		return nil, &DecodeError{Address: to.Hex(), What: method, Err: errors.New("unexpected output count")}
	}
	return outputs[0], nil
}

func (e *EVM) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}
	if e.opts.RPCURL == "" {
		return nil, errors.New("evm rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	e.client = client
	return client, nil
}

// Close releases the underlying RPC connection.
func (e *EVM) Close() {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}

var (
	_ Source    = (*EVM)(nil)
	_ Describer = (*EVM)(nil)
)
