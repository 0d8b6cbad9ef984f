package registry

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"vault-watcher/internal/config"
)

// Registry is the validated, read-only set of monitored accounts.
type Registry struct {
	accounts []Account
	index    map[string]int
}

// rawAccount mirrors one entry of the accounts file. JSON files decode as YAML.
type rawAccount struct {
	AccountType        string     `yaml:"accountType"`
	Address            string     `yaml:"address"`
	Name               string     `yaml:"name"`
	Token              string     `yaml:"token"`
	MaxChange          *yaml.Node `yaml:"maxChange"`
	MaxChangePeriod    *yaml.Node `yaml:"maxChangePeriod"`
	MinAmountThreshold *yaml.Node `yaml:"minAmountThreshold"`
}

// Load reads and validates the accounts file for the given chain.
func Load(path, chain string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &config.ConfigError{Field: "accounts_file", Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	return Parse(data, chain)
}

// Parse validates raw accounts file content.
func Parse(data []byte, chain string) (*Registry, error) {
	var raw []rawAccount
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &config.ConfigError{Field: "accounts_file", Reason: fmt.Sprintf("parse: %v", err)}
	}
	if len(raw) == 0 {
		return nil, &config.ConfigError{Field: "accounts_file", Reason: "lists no accounts"}
	}

	reg := &Registry{
		accounts: make([]Account, 0, len(raw)),
		index:    make(map[string]int, len(raw)),
	}
	for i, r := range raw {
		acct, err := r.validate(i, chain)
		if err != nil {
			return nil, err
		}
		if prev, dup := reg.index[acct.ID]; dup {
			return nil, fieldErr(i, "address", fmt.Sprintf("duplicates accounts[%d]", prev))
		}
		reg.index[acct.ID] = len(reg.accounts)
		reg.accounts = append(reg.accounts, acct)
	}
	return reg, nil
}

// New builds a registry from already validated accounts, mainly for tests and simulations.
func New(accounts ...Account) *Registry {
	reg := &Registry{index: make(map[string]int, len(accounts))}
	for _, a := range accounts {
		reg.index[a.ID] = len(reg.accounts)
		reg.accounts = append(reg.accounts, a)
	}
	return reg
}

// Accounts returns a copy of the monitored accounts in file order.
func (r *Registry) Accounts() []Account {
	out := make([]Account, len(r.accounts))
	copy(out, r.accounts)
	return out
}

// Lookup finds an account by ID.
func (r *Registry) Lookup(id string) (Account, bool) {
	i, ok := r.index[id]
	if !ok {
		return Account{}, false
	}
	return r.accounts[i], true
}

// Find resolves an account by ID, address or name.
func (r *Registry) Find(key string) (Account, bool) {
	if a, ok := r.Lookup(key); ok {
		return a, true
	}
	for _, a := range r.accounts {
		if strings.EqualFold(a.Address, key) || a.Name == key {
			return a, true
		}
	}
	return Account{}, false
}

// Len returns the number of accounts.
func (r *Registry) Len() int { return len(r.accounts) }

func (r rawAccount) validate(i int, chain string) (Account, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return Account{}, fieldErr(i, "name", "is required")
	}
	if len(name) > MaxNameLength {
		return Account{}, fieldErr(i, "name", fmt.Sprintf("exceeds %d characters", MaxNameLength))
	}

	address, err := canonicalAddress(chain, strings.TrimSpace(r.Address))
	if err != nil {
		return Account{}, fieldErr(i, "address", err.Error())
	}

	acct := Account{ID: address, Name: name, Address: address}

	switch strings.ToLower(r.AccountType) {
	case "vault":
		acct.Kind = KindVault
		rule, err := r.vaultRule(i)
		if err != nil {
			return Account{}, err
		}
		acct.Vault = rule
		if r.Token != "" {
			if chain != config.ChainEVM {
				return Account{}, fieldErr(i, "token", "is only supported on evm")
			}
			token, err := canonicalAddress(chain, r.Token)
			if err != nil {
				return Account{}, fieldErr(i, "token", err.Error())
			}
			acct.Token = token
			acct.ID = token + ":" + address
		}
	case "program":
		acct.Kind = KindProgram
		if present(r.MaxChange) || present(r.MaxChangePeriod) {
			return Account{}, fieldErr(i, "maxChange", "is not allowed for program accounts")
		}
		if present(r.MinAmountThreshold) {
			return Account{}, fieldErr(i, "minAmountThreshold", "is not allowed for program accounts")
		}
		if r.Token != "" {
			return Account{}, fieldErr(i, "token", "is not allowed for program accounts")
		}
	default:
		return Account{}, fieldErr(i, "accountType", fmt.Sprintf("must be vault or program, got %q", r.AccountType))
	}
	return acct, nil
}

func (r rawAccount) vaultRule(i int) (*VaultRule, error) {
	if !present(r.MaxChange) || !present(r.MaxChangePeriod) {
		return nil, fieldErr(i, "maxChange", "and maxChangePeriod are both required for vault accounts")
	}

	maxChange, err := decimal.NewFromString(r.MaxChange.Value)
	if err != nil {
		return nil, fieldErr(i, "maxChange", fmt.Sprintf("invalid decimal %q", r.MaxChange.Value))
	}
	if !maxChange.IsPositive() {
		return nil, fieldErr(i, "maxChange", "must be positive")
	}

	period, err := parsePeriod(r.MaxChangePeriod)
	if err != nil {
		return nil, fieldErr(i, "maxChangePeriod", err.Error())
	}

	rule := &VaultRule{MaxChange: maxChange, MaxChangePeriod: period}
	if present(r.MinAmountThreshold) {
		minBalance, err := decimal.NewFromString(r.MinAmountThreshold.Value)
		if err != nil {
			return nil, fieldErr(i, "minAmountThreshold", fmt.Sprintf("invalid decimal %q", r.MinAmountThreshold.Value))
		}
		if minBalance.IsNegative() {
			return nil, fieldErr(i, "minAmountThreshold", "cannot be negative")
		}
		rule.MinBalance = &minBalance
	}
	return rule, nil
}

// present treats explicit nulls the same as absent keys.
func present(node *yaml.Node) bool {
	return node != nil && node.ShortTag() != "!!null"
}

// parsePeriod accepts integer milliseconds or a Go duration string.
func parsePeriod(node *yaml.Node) (time.Duration, error) {
	var period time.Duration
	if ms, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		period = time.Duration(ms) * time.Millisecond
	} else {
		d, perr := time.ParseDuration(node.Value)
		if perr != nil {
			return 0, fmt.Errorf("invalid duration %q", node.Value)
		}
		period = d
	}
	if period <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return period, nil
}

func canonicalAddress(chain, address string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("is required")
	}
	switch chain {
	case config.ChainEVM:
		if !common.IsHexAddress(address) {
			return "", fmt.Errorf("%q is not a hex address", address)
		}
		return common.HexToAddress(address).Hex(), nil
	default:
		key, err := base58.Decode(address)
		if err != nil || len(key) != 32 {
			return "", fmt.Errorf("%q is not a base58 public key", address)
		}
		return address, nil
	}
}

func fieldErr(i int, field, reason string) error {
	return &config.ConfigError{Field: fmt.Sprintf("accounts[%d].%s", i, field), Reason: reason}
}
