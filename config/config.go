// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in the TOML genesis file, immutable, must
//     match across all nodes (see genesis.go).
//   - Node settings: runtime configuration loaded from a TOML config file,
//     can vary per node (see file.go).
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// ConsensusType selects how much chain state a node keeps. Validator duty
// requires ConsensusFull.
type ConsensusType string

const (
	ConsensusFull  ConsensusType = "full"
	ConsensusLight ConsensusType = "light"
	ConsensusNano  ConsensusType = "nano"
)

// Config holds node-specific runtime configuration. These settings can vary
// between nodes without breaking consensus.
type Config struct {
	Network NetworkType `toml:"network"`
	DataDir string      `toml:"datadir"`

	Validator ValidatorConfig `toml:"validator"`
	Consensus ConsensusConfig `toml:"consensus"`
	Mempool   MempoolConfig   `toml:"mempool"`

	P2P P2PConfig `toml:"p2p"`
	RPC RPCConfig `toml:"rpc"`
	Log LogConfig `toml:"log"`

	// RebuildIndexes is a maintenance flag, not persisted to the config file.
	RebuildIndexes bool `toml:"-"`
}

// ValidatorConfig holds validator-duty settings.
type ValidatorConfig struct {
	// KeyFile names this node's key within its keystore directory
	// (Config.KeystoreDir), decrypted at startup with the password read
	// from the KLINGNET_VALIDATOR_PASSWORD environment variable. Empty
	// means this node does not attempt validator duty.
	KeyFile string `toml:"key_file"`
}

// ConsensusConfig selects the consensus mode and target network.
type ConsensusConfig struct {
	Type    ConsensusType `toml:"type"`
	Network NetworkType   `toml:"network"`
}

// MempoolConfig holds transaction-admission policy.
type MempoolConfig struct {
	// Filter names an admission policy ("", "standard", ...). It is parsed
	// from the config file only; the mempool does not read it.
	Filter string `toml:"filter"`
	// BlacklistLimit is the configured bound on banned senders (0 = no
	// limit). It is parsed and checked to be non-negative; the mempool
	// keeps no blacklist and does not read it.
	BlacklistLimit int `toml:"blacklist_limit"`
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `toml:"enabled"`
	ListenAddr string   `toml:"listen"`
	Port       int      `toml:"port"`
	Seeds      []string `toml:"seeds"`
	MaxPeers   int      `toml:"max_peers"`
	// NoDiscover disables DHT/mDNS peer discovery, leaving only the
	// configured Seeds.
	NoDiscover bool `toml:"no_discover"`
	// DHTServer runs the Kademlia DHT in server mode (advertises this node
	// as reachable) rather than client mode.
	DHTServer bool `toml:"dht_server"`
}

// RPCConfig holds the observability HTTP surface's settings (A6: the
// validator_getStatus, chain_getHead and network_getInfo JSON-RPC 2.0
// methods exposed by internal/rpc).
type RPCConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Port    int    `toml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
	JSON  bool   `toml:"json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet
//	macOS:   ~/Library/Application Support/Klingnet
//	Windows: %APPDATA%\Klingnet
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingnet")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingnet")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingnet")
	default:
		return filepath.Join(home, ".klingnet")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the block storage directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// StateDir returns the account-state storage directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.ChainDataDir(), "state")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.ChainDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the node config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingnet.toml")
}

// GenesisFile returns the genesis file path.
func (c *Config) GenesisFile() string {
	return filepath.Join(c.DataDir, "genesis.toml")
}
