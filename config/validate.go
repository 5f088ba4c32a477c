package config

import "fmt"

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	switch cfg.Consensus.Type {
	case "", ConsensusFull, ConsensusLight, ConsensusNano:
	default:
		return fmt.Errorf("consensus.type must be %q, %q, or %q", ConsensusFull, ConsensusLight, ConsensusNano)
	}
	if cfg.Consensus.Network != "" && cfg.Consensus.Network != Mainnet && cfg.Consensus.Network != Testnet {
		return fmt.Errorf("consensus.network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.Validator.KeyFile != "" && cfg.Consensus.Type != "" && cfg.Consensus.Type != ConsensusFull {
		return fmt.Errorf("validator duty requires consensus.type = %q, got %q", ConsensusFull, cfg.Consensus.Type)
	}
	if cfg.Mempool.BlacklistLimit < 0 {
		return fmt.Errorf("mempool.blacklist_limit must be >= 0")
	}

	return nil
}
