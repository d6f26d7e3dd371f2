package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultAgentPort is the port an agent announces when none is configured.
const DefaultAgentPort = 9410

func LoadAgent(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := loadYAML("agent config", path, &cfg); err != nil {
		return nil, err
	}

	if cfg.HubAddr == "" {
		return nil, fmt.Errorf("hub_addr is required")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work_dir is required")
	}

	if cfg.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("node_name is required: %w", err)
		}
		cfg.NodeName = host
	}
	if cfg.Hostname == "" {
		cfg.Hostname = cfg.NodeName
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultAgentPort
	}
	if cfg.KitsDir == "" {
		cfg.KitsDir = filepath.Join(cfg.WorkDir, "kits")
	}
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(cfg.WorkDir, "installations.yaml")
	}

	return &cfg, nil
}
