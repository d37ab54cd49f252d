// Package config loads the YAML runtime configuration and applies
// environment overrides for deploy-time secrets.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	uniagent "github.com/toryoto/uniagent-go"
)

// Config is the root runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	Signer   SignerConfig   `yaml:"signer"`
	LLM      LLMConfig      `yaml:"llm"`
	Budget   BudgetConfig   `yaml:"budget"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// RegistryConfig locates the on-chain agent registry.
type RegistryConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	ContractAddress string `yaml:"contract_address"`
}

// SignerConfig selects and configures the payment signer backend.
type SignerConfig struct {
	// Mode is "local" or "delegated".
	Mode      string          `yaml:"mode"`
	Local     LocalSigner     `yaml:"local"`
	Delegated DelegatedSigner `yaml:"delegated"`
}

// LocalSigner holds an in-process key: either a raw hex private key or a
// BIP-39 mnemonic with a derivation account index.
type LocalSigner struct {
	PrivateKey   string `yaml:"private_key"`
	Mnemonic     string `yaml:"mnemonic"`
	AccountIndex uint32 `yaml:"account_index"`
}

// DelegatedSigner points at a remote wallet service holding the key.
type DelegatedSigner struct {
	WalletID   string `yaml:"wallet_id"`
	ServiceURL string `yaml:"service_url"`
	KeyID      string `yaml:"key_id"`
	KeySecret  string `yaml:"key_secret"`
}

// LLMConfig configures the planning model endpoint.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// BudgetConfig sets run budget defaults. Amounts are decimal strings in
// stablecoin units.
type BudgetConfig struct {
	DefaultMax     string `yaml:"default_max"`
	SafetyFraction string `yaml:"safety_fraction"`
}

// Load parses the YAML file at path and applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config file path is empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// FromEnv builds a configuration from environment variables alone.
func FromEnv() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Signer.Mode == "" {
		c.Signer.Mode = "local"
	}
	if c.Budget.DefaultMax == "" {
		c.Budget.DefaultMax = "1"
	}
	if c.Budget.SafetyFraction == "" {
		c.Budget.SafetyFraction = uniagent.DefaultSafetyFraction.String()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// applyEnv lets deployment environments override file values; secrets are
// usually only ever provided this way.
func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"UNIAGENT_LISTEN_ADDR":        &c.Server.Address,
		"UNIAGENT_RPC_URL":            &c.Registry.RPCURL,
		"UNIAGENT_REGISTRY_ADDRESS":   &c.Registry.ContractAddress,
		"UNIAGENT_SIGNER_MODE":        &c.Signer.Mode,
		"UNIAGENT_PRIVATE_KEY":        &c.Signer.Local.PrivateKey,
		"UNIAGENT_MNEMONIC":           &c.Signer.Local.Mnemonic,
		"WALLET_ID":                   &c.Signer.Delegated.WalletID,
		"WALLET_API_URL":              &c.Signer.Delegated.ServiceURL,
		"WALLET_API_KEY_ID":           &c.Signer.Delegated.KeyID,
		"WALLET_API_KEY_SECRET":       &c.Signer.Delegated.KeySecret,
		"OPENAI_API_KEY":              &c.LLM.APIKey,
		"OPENAI_BASE_URL":             &c.LLM.BaseURL,
		"UNIAGENT_MODEL":              &c.LLM.Model,
		"UNIAGENT_DEFAULT_MAX_BUDGET": &c.Budget.DefaultMax,
		"UNIAGENT_LOG_LEVEL":          &c.LogLevel,
	}
	for key, target := range overrides {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}
}

// Validate checks the fields every run needs regardless of entry point.
func (c *Config) Validate() error {
	if c.Registry.RPCURL == "" {
		return errors.New("registry.rpc_url is required")
	}
	if c.Registry.ContractAddress == "" {
		return errors.New("registry.contract_address is required")
	}
	if c.LLM.APIKey == "" {
		return errors.New("llm.api_key is required")
	}
	switch c.Signer.Mode {
	case "local":
		if c.Signer.Local.PrivateKey == "" && c.Signer.Local.Mnemonic == "" {
			return errors.New("signer.local needs a private_key or mnemonic")
		}
	case "delegated":
		if c.Signer.Delegated.WalletID == "" {
			return errors.New("signer.delegated.wallet_id is required")
		}
	default:
		return fmt.Errorf("unknown signer mode %q", c.Signer.Mode)
	}
	if _, err := c.DefaultMaxBudget(); err != nil {
		return err
	}
	if _, err := c.SafetyFraction(); err != nil {
		return err
	}
	return nil
}

// DefaultMaxBudget parses the configured default run budget.
func (c *Config) DefaultMaxBudget() (decimal.Decimal, error) {
	budget, err := decimal.NewFromString(c.Budget.DefaultMax)
	if err != nil || !budget.IsPositive() {
		return decimal.Zero, fmt.Errorf("budget.default_max %q is not a positive decimal", c.Budget.DefaultMax)
	}
	return budget, nil
}

// SafetyFraction parses the configured per-call ceiling fraction.
func (c *Config) SafetyFraction() (decimal.Decimal, error) {
	fraction, err := decimal.NewFromString(c.Budget.SafetyFraction)
	if err != nil || !fraction.IsPositive() || fraction.GreaterThan(decimal.New(1, 0)) {
		return decimal.Zero, fmt.Errorf("budget.safety_fraction %q must be in (0, 1]", c.Budget.SafetyFraction)
	}
	return fraction, nil
}
