// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Configuration

package oracle

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/naoina/toml"
)

// Config holds everything a node needs to boot. Mirrors the env vars
// read throughout original_source/app/common.py (NODE_ADDRESS, HTTP_PORT,
// WEBSOCKET_PORT, CONTRACT_DIR, ...), collected into one struct the way
// the teacher's engine.Config gathers RPC/timing/consensus knobs.
type Config struct {
	// Chain access
	RPCEndpoint             string `toml:"rpc_endpoint"`
	NodePrivateKeyHex       string `toml:"-"` // never serialized to disk
	NodeAddress             common.Address `toml:"node_address"`
	EventRegistryAddress    common.Address `toml:"event_registry_address"`
	NodeRegistryAddress     common.Address `toml:"node_registry_address"`
	ContractABIDir          string `toml:"contract_abi_dir"`

	// Network-facing
	NodePublicIP   string `toml:"node_public_ip"`
	HTTPPort       int    `toml:"http_port"`
	WebsocketPort  int    `toml:"websocket_port"`
	UseHTTPS       bool   `toml:"use_https"`
	DenyListedIPs  []string `toml:"deny_listed_ips"`

	// Storage
	DataDir string `toml:"data_dir"`

	// Scheduling
	FilterDrainInterval   time.Duration `toml:"filter_drain_interval"`
	RegistryDrainInterval time.Duration `toml:"registry_drain_interval"`
	StaleEventGCInterval  time.Duration `toml:"stale_event_gc_interval"`

	// Logging
	LogFilePath string `toml:"log_file_path"`
}

// DefaultConfig returns the baseline cadence described in spec.md §4.D
// and §4.S: 15s filter/registry drains, hourly GC.
func DefaultConfig() *Config {
	return &Config{
		ContractABIDir:        "contracts",
		HTTPPort:              8080,
		WebsocketPort:         8765,
		DataDir:               "data",
		FilterDrainInterval:   15 * time.Second,
		RegistryDrainInterval: 15 * time.Second,
		StaleEventGCInterval:  time.Hour,
	}
}

// LoadTOML layers a TOML config file (the teacher's own config format,
// via github.com/naoina/toml) on top of DefaultConfig. A missing file is
// not an error — env vars and CLI flags remain authoritative overrides
// applied by the caller (cmd/oraclenode).
func LoadTOML(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate performs the Fatal-at-startup misconfiguration checks of
// spec.md §7 ("missing env, unreadable ABI" => Fatal).
func (c *Config) Validate() error {
	if c.NodePrivateKeyHex == "" {
		return fmt.Errorf("node private key is required")
	}
	if (c.NodeAddress == common.Address{}) {
		return fmt.Errorf("node address is required")
	}
	if (c.EventRegistryAddress == common.Address{}) {
		return fmt.Errorf("event registry address is required")
	}
	if (c.NodeRegistryAddress == common.Address{}) {
		return fmt.Errorf("node registry address is required")
	}
	if c.NodePublicIP == "" {
		return fmt.Errorf("node public ip is required")
	}
	info, err := os.Stat(c.ContractABIDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("contract ABI directory %s is not readable: %w", c.ContractABIDir, err)
	}
	return nil
}

// ABIPath resolves the on-disk path of a contract's ABI JSON file,
// matching the {CONTRACT_DIR}/{Name}.json convention of common.py.
func (c *Config) ABIPath(contractName string) string {
	return filepath.Join(c.ContractABIDir, contractName+".json")
}

// Protocol returns "https://" or "http://" per the UseHTTPS flag,
// mirroring common.protocol() in original_source.
func (c *Config) Protocol() string {
	if c.UseHTTPS {
		return "https://"
	}
	return "http://"
}

// NodeIPPort returns the node's own externally reachable HTTP origin.
func (c *Config) NodeIPPort() string {
	return fmt.Sprintf("%s%s:%d", c.Protocol(), c.NodePublicIP, c.HTTPPort)
}
