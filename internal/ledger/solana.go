package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"vault-watcher/internal/registry"
)

const (
	bpfLoaderUpgradeableID = "BPFLoaderUpgradeab1e11111111111111111111111"
	lamportDecimals        = 9

	// UpgradeableLoaderState enum tags.
	loaderStateProgram     = 2
	loaderStateProgramData = 3
	programDataHeaderLen   = 45
)

var splTokenPrograms = map[string]bool{
	"spl-token":      true,
	"spl-token-2022": true,
}

// SolanaOptions parameterise the Solana JSON-RPC client.
type SolanaOptions struct {
	RPCURL     string
	Commitment string
	Timeout    time.Duration
	RateLimit  float64
	RateBurst  int
}

// Solana reads accounts over Solana JSON-RPC.
type Solana struct {
	opts      SolanaOptions
	logger    zerolog.Logger
	limiter   *rate.Limiter
	client    *rpc.Client
	clientMux sync.Mutex
}

// NewSolana builds a Solana ledger source. The connection is dialled lazily.
func NewSolana(opts SolanaOptions, logger zerolog.Logger) *Solana {
	if opts.Commitment == "" {
		opts.Commitment = "confirmed"
	}
	return &Solana{
		opts:    opts,
		logger:  logger.With().Str("component", "solana_ledger").Logger(),
		limiter: newLimiter(opts.RateLimit, opts.RateBurst),
	}
}

type accountInfoResponse struct {
	Value *accountValue `json:"value"`
}

type accountValue struct {
	Lamports   uint64          `json:"lamports"`
	Owner      string          `json:"owner"`
	Executable bool            `json:"executable"`
	Data       json.RawMessage `json:"data"`
}

type parsedAccountData struct {
	Program string `json:"program"`
	Parsed  struct {
		Type string `json:"type"`
		Info struct {
			TokenAmount *struct {
				Amount   string `json:"amount"`
				Decimals int32  `json:"decimals"`
			} `json:"tokenAmount"`
		} `json:"info"`
	} `json:"parsed"`
}

// Balance returns the SPL token amount for token accounts and the SOL balance otherwise.
func (s *Solana) Balance(ctx context.Context, acct registry.Account) (decimal.Decimal, error) {
	value, err := s.getAccountInfo(ctx, acct.Address, "jsonParsed")
	if err != nil {
		return decimal.Decimal{}, err
	}

	trimmed := bytes.TrimSpace(value.Data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var parsed parsedAccountData
		if err := json.Unmarshal(trimmed, &parsed); err != nil {
			return decimal.Decimal{}, &DecodeError{Address: acct.Address, What: "parsed account data", Err: err}
		}
		if splTokenPrograms[parsed.Program] && parsed.Parsed.Type == "account" {
			amount := parsed.Parsed.Info.TokenAmount
			if amount == nil {
				return decimal.Decimal{}, &DecodeError{Address: acct.Address, What: "token amount"}
			}
			raw, err := decimal.NewFromString(amount.Amount)
			if err != nil {
				return decimal.Decimal{}, &DecodeError{Address: acct.Address, What: "token amount", Err: err}
			}
			return raw.Shift(-amount.Decimals), nil
		}
	}

	return decimal.NewFromBigInt(new(big.Int).SetUint64(value.Lamports), -lamportDecimals), nil
}

// AccountData returns the raw account bytes. Upgradeable programs resolve to their programdata account.
func (s *Solana) AccountData(ctx context.Context, acct registry.Account) ([]byte, error) {
	value, err := s.getAccountInfo(ctx, acct.Address, "base64")
	if err != nil {
		return nil, err
	}
	data, err := decodeBase64Data(acct.Address, value.Data)
	if err != nil {
		return nil, err
	}

	if value.Owner != bpfLoaderUpgradeableID || len(data) < 36 || binary.LittleEndian.Uint32(data[:4]) != loaderStateProgram {
		return data, nil
	}

	programData := base58.Encode(data[4:36])
	pdValue, err := s.getAccountInfo(ctx, programData, "base64")
	if err != nil {
		return nil, fmt.Errorf("programdata %s: %w", programData, err)
	}
	return decodeBase64Data(programData, pdValue.Data)
}

// Describe decodes the programdata header into the last deploy slot and upgrade authority.
func (s *Solana) Describe(data []byte) string {
	return describeProgramData(data)
}

func describeProgramData(data []byte) string {
	if len(data) < programDataHeaderLen || binary.LittleEndian.Uint32(data[:4]) != loaderStateProgramData {
		return fmt.Sprintf("%d bytes", len(data))
	}
	slot := binary.LittleEndian.Uint64(data[4:12])
	authority := "none"
	if data[12] == 1 {
		authority = base58.Encode(data[13:45])
	}
	return fmt.Sprintf("last deploy slot %d, upgrade authority %s", slot, authority)
}

func (s *Solana) getAccountInfo(ctx context.Context, address, encoding string) (*accountValue, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel, err := callContext(ctx, s.limiter, s.opts.Timeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params := map[string]string{"encoding": encoding, "commitment": s.opts.Commitment}
	var resp accountInfoResponse
	if err := client.CallContext(callCtx, &resp, "getAccountInfo", address, params); err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", address, err)
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("%s: %w", address, ErrAccountNotFound)
	}
	return resp.Value, nil
}

func (s *Solana) getClient(ctx context.Context) (*rpc.Client, error) {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	if s.opts.RPCURL == "" {
		return nil, errors.New("solana rpc url not configured")
	}

	client, err := rpc.DialContext(ctx, s.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial solana rpc: %w", err)
	}
	s.client = client
	s.logger.Debug().Msg("solana rpc client ready")
	return client, nil
}

// Close releases the underlying RPC connection.
func (s *Solana) Close() {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func decodeBase64Data(address string, raw json.RawMessage) ([]byte, error) {
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return nil, &DecodeError{Address: address, What: "account data", Err: err}
	}
	if pair[1] != "base64" {
		return nil, &DecodeError{Address: address, What: "account data encoding " + pair[1]}
	}
	data, err := base64.StdEncoding.DecodeString(pair[0])
	if err != nil {
		return nil, &DecodeError{Address: address, What: "account data", Err: err}
	}
	return data, nil
}

var (
	_ Source    = (*Solana)(nil)
	_ Describer = (*Solana)(nil)
)
