package common

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"usdt-custody-go/internal/store"
)

type PoolAddress struct {
	Address string `yaml:"address"`
	Network string `yaml:"network"`
}

type PoolConfig struct {
	Addresses []PoolAddress `yaml:"addresses"`
}

// LoadPoolConfig reads the deposit-address pool file and returns seed entries
// ready for SeedAddresses. Network defaults to ETH when omitted.
func LoadPoolConfig(poolFile string) ([]store.SeedAddress, error) {
	var poolPath string
	if filepath.IsAbs(poolFile) {
		poolPath = poolFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		poolPath = filepath.Join(wd, poolFile)
	}

	data, err := os.ReadFile(poolPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", poolFile, err)
	}

	var config PoolConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", poolFile, err)
	}

	seeds := make([]store.SeedAddress, 0, len(config.Addresses))
	for i, entry := range config.Addresses {
		if entry.Address == "" {
			return nil, fmt.Errorf("pool entry at index %d missing address", i)
		}
		network := entry.Network
		if network == "" {
			network = "ETH"
		}
		seeds = append(seeds, store.SeedAddress{Address: entry.Address, Network: network})
	}

	return seeds, nil
}
