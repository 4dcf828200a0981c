package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"keeper/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the keeper.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Chain     ChainConfig     `mapstructure:"chain"`
	Network   NetworkConfig   `mapstructure:"network"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	NATS      NATSConfig      `mapstructure:"nats"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	History   HistoryConfig   `mapstructure:"history"`
	Log       LogConfig       `mapstructure:"log"`
}

// ChainConfig holds the node endpoints and the signing key.
type ChainConfig struct {
	PrivateKey  string        `mapstructure:"private_key" validate:"required,hexkey"`
	WSEndpoint  string        `mapstructure:"ws_endpoint" validate:"required,url"`
	RPCEndpoint string        `mapstructure:"rpc_endpoint" validate:"required,url"`
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
}

// NetworkConfig adds or replaces entries of the static deployment table.
type NetworkConfig struct {
	Overrides []NetworkOverride `mapstructure:"overrides" validate:"dive"`
}

type NetworkOverride struct {
	ChainID   uint64 `mapstructure:"chain_id" validate:"required"`
	Name      string `mapstructure:"name" validate:"required"`
	Registry  string `mapstructure:"registry" validate:"required,eth_addr"`
	Multicall string `mapstructure:"multicall" validate:"required,eth_addr"`
}

type RegistryConfig struct {
	SlicePageSize uint64 `mapstructure:"slice_page_size"`
}

type EvaluatorConfig struct {
	BatchSize int `mapstructure:"batch_size" validate:"gte=0"`
}

type DispatchConfig struct {
	MaxSubmissionsPerSecond float64 `mapstructure:"max_submissions_per_second" validate:"gte=0"`

	// Non-zero allows a second transaction for a job whose first one is
	// still pending once the timeout passes.
	SettlementTimeout time.Duration `mapstructure:"settlement_timeout" validate:"gte=0"`
}

// EtcdConfig enables leader election and durable history when endpoints are set.
type EtcdConfig struct {
	Endpoints         []string      `mapstructure:"endpoints"`
	Timeout           time.Duration `mapstructure:"timeout"`
	LeaderElectionTTL time.Duration `mapstructure:"leader_election_ttl" validate:"gte=1s"`
}

type NATSConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
}

type GRPCConfig struct {
	ListenAddr       string `mapstructure:"listen_addr" validate:"required"`
	EnableReflection bool   `mapstructure:"enable_reflection"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HistoryConfig struct {
	Retention     time.Duration `mapstructure:"retention" validate:"gt=0"`
	PruneSchedule string        `mapstructure:"prune_schedule" validate:"required"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// Networks returns the static deployment table with the configured overrides
// applied.
func (c *Config) Networks() domain.Networks {
	networks := domain.DefaultNetworks()
	for _, o := range c.Network.Overrides {
		networks[o.ChainID] = domain.Network{
			ChainID:   o.ChainID,
			Name:      o.Name,
			Registry:  common.HexToAddress(o.Registry),
			Multicall: common.HexToAddress(o.Multicall),
		}
	}
	return networks
}

// Load loads configuration from file and environment variables.
// If configPath is empty, it looks for keeper.yaml in ./configs and the
// working directory. Environment variables with the KEEPER_ prefix override
// file values, e.g. KEEPER_CHAIN_PRIVATE_KEY.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("chain.call_timeout", 30*time.Second)
	v.SetDefault("registry.slice_page_size", 0)
	v.SetDefault("evaluator.batch_size", 0)
	v.SetDefault("dispatch.max_submissions_per_second", 0)
	v.SetDefault("dispatch.settlement_timeout", 0)
	v.SetDefault("etcd.timeout", 5*time.Second)
	v.SetDefault("etcd.leader_election_ttl", 10*time.Second)
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("grpc.listen_addr", ":9090")
	v.SetDefault("grpc.enable_reflection", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("history.retention", 168*time.Hour)
	v.SetDefault("history.prune_schedule", "@every 1h")
	v.SetDefault("log.level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("keeper")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("KEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without a default are only seen by Unmarshal once bound.
	for _, key := range []string{"chain.private_key", "chain.ws_endpoint", "chain.rpc_endpoint", "etcd.endpoints", "nats.url"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("hexkey", isHexKey); err != nil {
		return fmt.Errorf("registering hexkey validation: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// isHexKey accepts a 32-byte secp256k1 key in hex, with or without 0x.
func isHexKey(fl validator.FieldLevel) bool {
	raw := strings.TrimPrefix(fl.Field().String(), "0x")
	if len(raw) != 64 {
		return false
	}
	_, err := hex.DecodeString(raw)
	return err == nil
}
