package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-watcher/internal/config"
)

const (
	solVault   = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	solProgram = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

func TestParseOriginalJSONFormat(t *testing.T) {
	data := []byte(`[
  {"accountType": "vault", "address": "` + solVault + `", "name": "Treasury",
   "maxChange": 100.5, "maxChangePeriod": 3600000, "minAmountThreshold": 10},
  {"accountType": "program", "address": "` + solProgram + `", "name": "Token program"}
]`)

	reg, err := Parse(data, config.ChainSolana)
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	vault, ok := reg.Lookup(solVault)
	require.True(t, ok)
	assert.Equal(t, KindVault, vault.Kind)
	require.NotNil(t, vault.Vault)
	assert.True(t, vault.Vault.MaxChange.Equal(decimal.RequireFromString("100.5")))
	assert.Equal(t, time.Hour, vault.Vault.MaxChangePeriod)
	require.NotNil(t, vault.Vault.MinBalance)
	assert.True(t, vault.Vault.MinBalance.Equal(decimal.NewFromInt(10)))

	program, ok := reg.Find("Token program")
	require.True(t, ok)
	assert.Equal(t, KindProgram, program.Kind)
	assert.Nil(t, program.Vault)
}

func TestParseYAMLDurationStrings(t *testing.T) {
	data := []byte(`
- accountType: vault
  address: ` + solVault + `
  name: hot wallet
  maxChange: "25"
  maxChangePeriod: 15m
`)
	reg, err := Parse(data, config.ChainSolana)
	require.NoError(t, err)
	acct := reg.Accounts()[0]
	assert.Equal(t, 15*time.Minute, acct.Vault.MaxChangePeriod)
	assert.Nil(t, acct.Vault.MinBalance)
}

func TestParseRejectsInvalidAccounts(t *testing.T) {
	cases := map[string]string{
		"missing period": `[{"accountType":"vault","address":"` + solVault + `","name":"a","maxChange":1}]`,
		"program rule":   `[{"accountType":"program","address":"` + solVault + `","name":"a","maxChange":1,"maxChangePeriod":10}]`,
		"negative":       `[{"accountType":"vault","address":"` + solVault + `","name":"a","maxChange":-1,"maxChangePeriod":10}]`,
		"bad address":    `[{"accountType":"vault","address":"0xnothex","name":"a","maxChange":1,"maxChangePeriod":10}]`,
		"long name":      `[{"accountType":"program","address":"` + solVault + `","name":"` + strings.Repeat("a", MaxNameLength+1) + `"}]`,
		"unknown type":   `[{"accountType":"wallet","address":"` + solVault + `","name":"a"}]`,
		"duplicate":      `[{"accountType":"program","address":"` + solVault + `","name":"a"},{"accountType":"program","address":"` + solVault + `","name":"b"}]`,
		"empty":          `[]`,
		"zero period":    `[{"accountType":"vault","address":"` + solVault + `","name":"a","maxChange":1,"maxChangePeriod":0}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body), config.ChainSolana)
			require.Error(t, err)
			assert.True(t, config.IsConfigError(err))
		})
	}
}

func TestParseEVMCanonicalisesAddresses(t *testing.T) {
	data := []byte(`[
  {"accountType":"vault","address":"0x00000000219ab540356cbb839cbe05303d7705fa","name":"deposit","maxChange":"5","maxChangePeriod":"1h"},
  {"accountType":"vault","address":"0x00000000219ab540356cbb839cbe05303d7705fa","name":"usdc","maxChange":"5","maxChangePeriod":"1h",
   "token":"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"}
]`)
	reg, err := Parse(data, config.ChainEVM)
	require.NoError(t, err)

	accounts := reg.Accounts()
	assert.Equal(t, common.HexToAddress("0x00000000219ab540356cbb839cbe05303d7705fa").Hex(), accounts[0].Address)
	assert.Equal(t, common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48").Hex(), accounts[1].Token)
	assert.NotEqual(t, accounts[0].ID, accounts[1].ID)
}

func TestTokenRejectedOnSolana(t *testing.T) {
	data := []byte(`[{"accountType":"vault","address":"` + solVault + `","name":"a","maxChange":1,"maxChangePeriod":10,"token":"` + solProgram + `"}]`)
	_, err := Parse(data, config.ChainSolana)
	require.Error(t, err)
}
