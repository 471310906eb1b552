package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models quicktasker.yml.
type Config struct {
	Marketplace struct {
		Name string `yaml:"name"`
	} `yaml:"marketplace"`
	Limits struct {
		MaxWorkersPerTask  int64 `yaml:"max_workers_per_task"`
		MinPayableAmount   int64 `yaml:"min_payable_amount"`
		MinWithdrawalCoins int64 `yaml:"min_withdrawal_coins"`
		ListPageSize       int   `yaml:"list_page_size"`
	} `yaml:"limits"`
	Payments struct {
		CoinsPerDollar int64 `yaml:"coins_per_dollar"`
	} `yaml:"payments"`
	SignupBonus struct {
		Buyer  int64 `yaml:"buyer"`
		Worker int64 `yaml:"worker"`
	} `yaml:"signup_bonus"`
	Bootstrap struct {
		AdminEmail string `yaml:"admin_email"`
	} `yaml:"bootstrap"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run 'qt config init' to generate defaults", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.Name == "" {
		return fmt.Errorf("config.marketplace.name is required")
	}
	if c.Limits.MaxWorkersPerTask <= 0 {
		return fmt.Errorf("config.limits.max_workers_per_task must be positive")
	}
	if c.Limits.MinPayableAmount <= 0 {
		return fmt.Errorf("config.limits.min_payable_amount must be positive")
	}
	if c.Limits.MinWithdrawalCoins <= 0 {
		return fmt.Errorf("config.limits.min_withdrawal_coins must be positive")
	}
	if c.Limits.ListPageSize <= 0 {
		return fmt.Errorf("config.limits.list_page_size must be positive")
	}
	if c.Payments.CoinsPerDollar <= 0 {
		return fmt.Errorf("config.payments.coins_per_dollar must be positive")
	}
	if c.SignupBonus.Buyer < 0 || c.SignupBonus.Worker < 0 {
		return fmt.Errorf("config.signup_bonus values must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "quicktasker.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `marketplace:
  name: quicktasker

limits:
  max_workers_per_task: 100
  min_payable_amount: 1
  min_withdrawal_coins: 200
  list_page_size: 50

payments:
  coins_per_dollar: 20

signup_bonus:
  buyer: 50
  worker: 10

bootstrap:
  admin_email: ""
`
