package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/paylane/custodian/pkg/log"
	"github.com/paylane/custodian/pkg/sign"
)

type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

const (
	HeightSourceManual = "manual"
	HeightSourceChain  = "chain"
)

const (
	configDirPathEnv     = "CUSTODIAN_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
	trustedFileName      = "trusted.yaml"
)

// EnvConfig is read from the environment after the optional .env file.
type EnvConfig struct {
	Mode          Mode   `env:"CUSTODIAN_MODE" env-default:"production" validate:"oneof=production test"`
	PrivateKeyHex string `env:"CUSTODIAN_PRIVATE_KEY"`

	ChallengePeriod uint32 `env:"CUSTODIAN_CHALLENGE_PERIOD" env-default:"500" validate:"gte=500"`
	// DepositCeiling is the largest deposit a channel may hold, in base units.
	DepositCeiling   string   `env:"CUSTODIAN_DEPOSIT_CEILING" env-default:"100000000000000000000" validate:"required,numeric"`
	OwnerAddress     string   `env:"CUSTODIAN_OWNER_ADDRESS" validate:"omitempty,eth_addr"`
	VerifyingAddress string   `env:"CUSTODIAN_VERIFYING_ADDRESS" validate:"omitempty,eth_addr"`
	TrustedAddresses []string `env:"CUSTODIAN_TRUSTED_ADDRESSES" env-separator:"," validate:"dive,eth_addr"`

	HeightSource string `env:"CUSTODIAN_HEIGHT_SOURCE" validate:"omitempty,oneof=manual chain"`
	ChainRPC     string `env:"CUSTODIAN_CHAIN_RPC" validate:"required_if=HeightSource chain"`
	StartHeight  uint32 `env:"CUSTODIAN_START_HEIGHT" env-default:"1" validate:"gte=1"`

	MessageExpiry     time.Duration `env:"CUSTODIAN_MSG_EXPIRY_TIME" env-default:"60s"`
	WatchInterval     time.Duration `env:"CUSTODIAN_WATCH_INTERVAL" env-default:"15s"`
	RPCListenAddr     string        `env:"CUSTODIAN_RPC_LISTEN_ADDR" env-default:":8000"`
	MetricsListenAddr string        `env:"CUSTODIAN_METRICS_LISTEN_ADDR" env-default:":4242"`

	Log log.Config
}

type Config struct {
	env            EnvConfig
	dbConf         DatabaseConfig
	signer         *sign.EthereumSigner
	depositCeiling decimal.Decimal
	owner          common.Address
	verifier       common.Address
	trusted        []common.Address
}

// trustedFile is the layout of trusted.yaml.
type trustedFile struct {
	Trusted []string `yaml:"trusted"`
}

// LoadConfig builds the configuration from <CUSTODIAN_CONFIG_DIR_PATH>/.env,
// the environment and the optional trusted.yaml next to it.
func LoadConfig(logger log.Logger) (*Config, error) {
	logger = logger.WithName("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	dotEnvPath := filepath.Join(configDirPath, ".env")
	if err := godotenv.Load(dotEnvPath); err != nil {
		logger.Warn(".env file not found", "path", dotEnvPath)
	}

	var env EnvConfig
	if err := cleanenv.ReadEnv(&env); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	trusted, err := LoadTrusted(configDirPath)
	if err != nil {
		return nil, err
	}

	dbConf, err := loadDatabaseConfig(env.Mode)
	if err != nil {
		return nil, err
	}

	conf, err := newConfig(env, dbConf, trusted)
	if err != nil {
		return nil, err
	}

	logger.Info("configuration loaded",
		"mode", env.Mode,
		"challengePeriod", env.ChallengePeriod,
		"depositCeiling", conf.depositCeiling,
		"owner", conf.owner.Hex(),
		"verifier", conf.verifier.Hex(),
		"trusted", len(conf.trusted),
		"heightSource", env.HeightSource,
		"dbDriver", dbConf.Driver,
	)
	return conf, nil
}

// newConfig validates env and resolves the derived values. trusted holds
// addresses read from trusted.yaml.
func newConfig(env EnvConfig, dbConf DatabaseConfig, trusted []common.Address) (*Config, error) {
	if err := validator.New().Struct(env); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if env.ChallengePeriod < MinChallengePeriod {
		return nil, ErrInvalidChallengePeriod
	}

	if env.PrivateKeyHex == "" {
		return nil, errors.New("CUSTODIAN_PRIVATE_KEY environment variable is required")
	}
	signer, err := sign.NewEthereumSigner(env.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid CUSTODIAN_PRIVATE_KEY: %w", err)
	}

	ceiling, err := decimal.NewFromString(env.DepositCeiling)
	if err != nil || !ceiling.IsPositive() || !ceiling.IsInteger() {
		return nil, fmt.Errorf("invalid CUSTODIAN_DEPOSIT_CEILING %q", env.DepositCeiling)
	}

	if env.HeightSource == "" {
		env.HeightSource = HeightSourceChain
		if env.Mode == ModeTest {
			env.HeightSource = HeightSourceManual
		}
	}
	if env.HeightSource == HeightSourceChain && env.ChainRPC == "" {
		return nil, errors.New("CUSTODIAN_CHAIN_RPC is required for the chain height source")
	}
	if env.HeightSource == HeightSourceManual && env.Mode != ModeTest {
		return nil, errors.New("the manual height source is only allowed in test mode")
	}

	conf := &Config{
		env:            env,
		dbConf:         dbConf,
		signer:         signer,
		depositCeiling: ceiling,
		owner:          signer.Address(),
		verifier:       signer.Address(),
	}
	if env.OwnerAddress != "" {
		conf.owner = common.HexToAddress(env.OwnerAddress)
	}
	if env.VerifyingAddress != "" {
		conf.verifier = common.HexToAddress(env.VerifyingAddress)
	}

	seen := make(map[common.Address]bool)
	for _, addr := range append(trusted, hexAddresses(env.TrustedAddresses)...) {
		if !seen[addr] {
			seen[addr] = true
			conf.trusted = append(conf.trusted, addr)
		}
	}
	return conf, nil
}

func loadDatabaseConfig(mode Mode) (DatabaseConfig, error) {
	var dbConf DatabaseConfig
	if dbURL := os.Getenv("CUSTODIAN_DATABASE_URL"); dbURL != "" {
		parsed, err := ParseConnectionString(dbURL)
		if err != nil {
			return DatabaseConfig{}, fmt.Errorf("failed to parse connection string: %w", err)
		}
		return parsed, nil
	}

	if err := cleanenv.ReadEnv(&dbConf); err != nil {
		return DatabaseConfig{}, fmt.Errorf("failed to read database env: %w", err)
	}
	if dbConf.Driver == "" {
		dbConf.Driver = "postgres"
		if mode == ModeTest {
			dbConf.Driver = "sqlite"
		}
	}
	return dbConf, nil
}

// LoadTrusted reads the initial allow-list. A missing file is not an error.
func LoadTrusted(configDirPath string) ([]common.Address, error) {
	f, err := os.Open(filepath.Join(configDirPath, trustedFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var file trustedFile
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", trustedFileName, err)
	}

	addresses := make([]common.Address, 0, len(file.Trusted))
	for _, raw := range file.Trusted {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid trusted address %q in %s", raw, trustedFileName)
		}
		addresses = append(addresses, common.HexToAddress(raw))
	}
	return addresses, nil
}

func hexAddresses(raw []string) []common.Address {
	addresses := make([]common.Address, 0, len(raw))
	for _, r := range raw {
		addresses = append(addresses, common.HexToAddress(r))
	}
	return addresses
}

func (c *Config) ChannelServiceConfig() ChannelServiceConfig {
	return ChannelServiceConfig{
		ChallengePeriod: c.env.ChallengePeriod,
		DepositCeiling:  c.depositCeiling,
		Verifier:        c.verifier,
		Owner:           c.owner,
	}
}
