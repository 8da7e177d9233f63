package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paylane/custodian/pkg/sign"
)

func testEnvConfig(t *testing.T) EnvConfig {
	t.Helper()
	signer, err := sign.GenerateEthereumSigner()
	require.NoError(t, err)

	return EnvConfig{
		Mode:            ModeTest,
		PrivateKeyHex:   signer.PrivateKeyHex(),
		ChallengePeriod: 500,
		DepositCeiling:  "1000000",
		StartHeight:     1,
		MessageExpiry:   time.Minute,
		WatchInterval:   time.Second,
	}
}

func TestNewConfig(t *testing.T) {
	dbConf := DatabaseConfig{Driver: "sqlite"}

	t.Run("defaults", func(t *testing.T) {
		env := testEnvConfig(t)
		conf, err := newConfig(env, dbConf, nil)
		require.NoError(t, err)

		assert.Equal(t, HeightSourceManual, conf.env.HeightSource)
		assert.Equal(t, conf.signer.Address(), conf.owner)
		assert.Equal(t, conf.signer.Address(), conf.verifier)
		assert.Equal(t, "1000000", conf.depositCeiling.String())

		svc := conf.ChannelServiceConfig()
		assert.Equal(t, uint32(500), svc.ChallengePeriod)
		assert.Equal(t, conf.owner, svc.Owner)
	})

	t.Run("explicit owner and verifier", func(t *testing.T) {
		env := testEnvConfig(t)
		env.OwnerAddress = "0x1111111111111111111111111111111111111111"
		env.VerifyingAddress = "0x2222222222222222222222222222222222222222"
		conf, err := newConfig(env, dbConf, nil)
		require.NoError(t, err)

		assert.Equal(t, common.HexToAddress(env.OwnerAddress), conf.owner)
		assert.Equal(t, common.HexToAddress(env.VerifyingAddress), conf.verifier)
	})

	t.Run("trusted addresses are merged", func(t *testing.T) {
		env := testEnvConfig(t)
		env.TrustedAddresses = []string{
			"0x1111111111111111111111111111111111111111",
			"0x3333333333333333333333333333333333333333",
		}
		fromFile := []common.Address{common.HexToAddress("0x1111111111111111111111111111111111111111")}

		conf, err := newConfig(env, dbConf, fromFile)
		require.NoError(t, err)
		assert.Equal(t, []common.Address{
			common.HexToAddress("0x1111111111111111111111111111111111111111"),
			common.HexToAddress("0x3333333333333333333333333333333333333333"),
		}, conf.trusted)
	})

	t.Run("chain source in production", func(t *testing.T) {
		env := testEnvConfig(t)
		env.Mode = ModeProduction
		_, err := newConfig(env, dbConf, nil)
		assert.Error(t, err, "chain rpc is required")

		env.ChainRPC = "http://localhost:8545"
		conf, err := newConfig(env, dbConf, nil)
		require.NoError(t, err)
		assert.Equal(t, HeightSourceChain, conf.env.HeightSource)
	})

	tcs := []struct {
		name   string
		modify func(*EnvConfig)
	}{
		{"short challenge period", func(e *EnvConfig) { e.ChallengePeriod = 499 }},
		{"missing private key", func(e *EnvConfig) { e.PrivateKeyHex = "" }},
		{"bad private key", func(e *EnvConfig) { e.PrivateKeyHex = "zz" }},
		{"zero ceiling", func(e *EnvConfig) { e.DepositCeiling = "0" }},
		{"non numeric ceiling", func(e *EnvConfig) { e.DepositCeiling = "lots" }},
		{"bad owner", func(e *EnvConfig) { e.OwnerAddress = "0x1234" }},
		{"bad trusted address", func(e *EnvConfig) { e.TrustedAddresses = []string{"nope"} }},
		{"unknown mode", func(e *EnvConfig) { e.Mode = "staging" }},
		{"unknown height source", func(e *EnvConfig) { e.HeightSource = "clock" }},
		{"manual height in production", func(e *EnvConfig) {
			e.Mode = ModeProduction
			e.HeightSource = HeightSourceManual
		}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			env := testEnvConfig(t)
			tc.modify(&env)
			_, err := newConfig(env, dbConf, nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadTrusted(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		addresses, err := LoadTrusted(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, addresses)
	})

	t.Run("valid file", func(t *testing.T) {
		dir := t.TempDir()
		content := "trusted:\n  - 0x1111111111111111111111111111111111111111\n  - 0x2222222222222222222222222222222222222222\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, trustedFileName), []byte(content), 0o600))

		addresses, err := LoadTrusted(dir)
		require.NoError(t, err)
		assert.Equal(t, []common.Address{
			common.HexToAddress("0x1111111111111111111111111111111111111111"),
			common.HexToAddress("0x2222222222222222222222222222222222222222"),
		}, addresses)
	})

	t.Run("invalid address", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, trustedFileName), []byte("trusted:\n  - not-an-address\n"), 0o600))

		_, err := LoadTrusted(dir)
		assert.Error(t, err)
	})
}

func TestLoadDatabaseConfig(t *testing.T) {
	t.Setenv("CUSTODIAN_DATABASE_URL", "")
	t.Setenv("CUSTODIAN_DATABASE_DRIVER", "")

	conf, err := loadDatabaseConfig(ModeTest)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", conf.Driver)

	conf, err = loadDatabaseConfig(ModeProduction)
	require.NoError(t, err)
	assert.Equal(t, "postgres", conf.Driver)

	t.Setenv("CUSTODIAN_DATABASE_URL", "postgresql://user:pass@db:5432/custodian")
	conf, err = loadDatabaseConfig(ModeTest)
	require.NoError(t, err)
	assert.Equal(t, "postgres", conf.Driver)
	assert.Equal(t, "db", conf.Host)
}
