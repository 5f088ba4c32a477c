package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// LoadFile loads node configuration from a TOML config file, layered over
// the given defaults. A missing file is not an error; cfg is returned
// unchanged so the caller's network defaults apply.
func LoadFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	cfg := Default(network)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := "# Klingnet validator node configuration.\n" +
		"#\n" +
		"# This file holds NODE settings only. Protocol rules (validator set,\n" +
		"# slot assignment, policy constants) live in the genesis file and\n" +
		"# cannot be changed here without a hard fork.\n\n"
	if _, err := f.WriteString(header); err != nil {
		return err
	}
	return toml.NewEncoder(f).Encode(cfg)
}
