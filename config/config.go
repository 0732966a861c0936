// Package config loads the machine's JSON configuration file
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Config is the machine configuration. JSON keys match the file the
// fleet tooling provisions.
type Config struct {
	BrokerIP   string `json:"BROKER_IP"`
	BrokerPort int    `json:"BROKER_PORT"`
	MachineID  string `json:"MACHINE_ID"`
	TerminalID string `json:"TERMINAL_ID"`

	SerialPort     string `json:"SERIAL_PORT"`
	SerialBaudrate int    `json:"SERIAL_BAUDRATE"`

	PaymentHost string `json:"PAYMENT_HOST"`
	PaymentPort int    `json:"PAYMENT_PORT"`

	DataDir string `json:"DATA_DIR"`
}

// Load reads and parses the configuration at path
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(raw)
}

// Parse decodes a JSON configuration and applies defaults
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	applyDefaults(&cfg)

	if cfg.MachineID == "" {
		return nil, errors.New("config: MACHINE_ID is required")
	}
	if cfg.TerminalID == "" {
		return nil, errors.New("config: TERMINAL_ID is required")
	}
	return &cfg, nil
}

// applyDefaults fills in missing configuration values with sensible defaults
func applyDefaults(cfg *Config) {
	if cfg.BrokerIP == "" {
		cfg.BrokerIP = "127.0.0.1"
	}
	if cfg.BrokerPort == 0 {
		cfg.BrokerPort = 1883
	}
	if cfg.SerialPort == "" {
		cfg.SerialPort = "/dev/ttyUSB0"
	}
	if cfg.SerialBaudrate == 0 {
		cfg.SerialBaudrate = 57600
	}
	if cfg.PaymentHost == "" {
		cfg.PaymentHost = "127.0.0.1"
	}
	if cfg.PaymentPort == 0 {
		cfg.PaymentPort = 23001
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
}

// BrokerAddr returns the paho broker URL
func (c *Config) BrokerAddr() string {
	return fmt.Sprintf("tcp://%s:%d", c.BrokerIP, c.BrokerPort)
}

// PaymentAddr returns the gateway host:port
func (c *Config) PaymentAddr() string {
	return fmt.Sprintf("%s:%d", c.PaymentHost, c.PaymentPort)
}
