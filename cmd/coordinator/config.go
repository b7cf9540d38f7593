package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vctt94/bisonbotkit/config"
)

type CoordinatorConfig struct {
	*config.BotConfig // Embed the base BotConfig

	// Additional coordination-specific fields
	Network              string
	WalletDescriptor     string
	ExpectedParticipants int

	// Nicks of the other coordinator bots facts are relayed to.
	Peers []string

	// bitcoind connectivity (optional, enables the tip watcher)
	RPCHost string
	RPCUser string
	RPCPass string
}

// Load config function
func LoadCoordinatorConfig(dataDir, configFile string) (*CoordinatorConfig, error) {
	// First load the base bot config
	baseConfig, err := config.LoadBotConfig(dataDir, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	expected := 2
	if v := baseConfig.ExtraConfig["expectedparticipants"]; v != "" {
		expected, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse expectedparticipants: %w", err)
		}
	}

	network := baseConfig.ExtraConfig["network"]
	if network == "" {
		network = "mainnet"
	}

	var peers []string
	for _, p := range strings.Split(baseConfig.ExtraConfig["peers"], ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}

	// Create the combined config
	cfg := &CoordinatorConfig{
		BotConfig:            baseConfig,
		Network:              network,
		WalletDescriptor:     baseConfig.ExtraConfig["walletdescriptor"],
		ExpectedParticipants: expected,
		Peers:                peers,
		RPCHost:              baseConfig.ExtraConfig["rpchost"],
		RPCUser:              baseConfig.ExtraConfig["rpcuser"],
		RPCPass:              baseConfig.ExtraConfig["rpcpass"],
	}

	if cfg.ExpectedParticipants < 2 {
		return nil, fmt.Errorf("expectedparticipants must be at least 2, got %d",
			cfg.ExpectedParticipants)
	}

	return cfg, nil
}
