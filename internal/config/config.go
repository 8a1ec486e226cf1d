package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SandboxDefaults configure the isolation applied to new sessions.
type SandboxDefaults struct {
	Backend     string  `yaml:"backend"` // docker|bwrap|sandbox-exec|none|auto
	Level       string  `yaml:"level"`   // permissive|standard|strict
	MemoryLimit string  `yaml:"memory_limit"`
	CPULimit    float64 `yaml:"cpu_limit"`
	Image       string  `yaml:"image"` // docker only
}

type Config struct {
	AgentBinary     string          `yaml:"agent_binary"`
	CredentialDir   string          `yaml:"credential_dir"`
	PromptTimeoutMs int             `yaml:"prompt_timeout_ms"`
	RegistryPath    string          `yaml:"registry_path"`
	HistoryDBPath   string          `yaml:"history_db_path"`
	Sandbox         SandboxDefaults `yaml:"sandbox"`
}

func Load(yamlPath string) (*Config, error) {
	home, _ := os.UserHomeDir()

	cfg := &Config{
		AgentBinary:     "claude",
		CredentialDir:   filepath.Join(home, ".claude"),
		PromptTimeoutMs: 300000,
		RegistryPath:    filepath.Join(home, ".agentpen", "registry.json"),
		HistoryDBPath:   filepath.Join(home, ".agentpen", "history.db"),
		Sandbox: SandboxDefaults{
			Backend:     "auto",
			Level:       "permissive",
			MemoryLimit: "512m",
			CPULimit:    1.0,
			Image:       "agentpen-runtime:base",
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTPEN_AGENT_BINARY"); v != "" {
		cfg.AgentBinary = v
	}
	if v := os.Getenv("AGENTPEN_CREDENTIAL_DIR"); v != "" {
		cfg.CredentialDir = v
	}
	if v := os.Getenv("AGENTPEN_PROMPT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PromptTimeoutMs = n
		}
	}
	if v := os.Getenv("AGENTPEN_REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("AGENTPEN_HISTORY_DB_PATH"); v != "" {
		cfg.HistoryDBPath = v
	}
	if v := os.Getenv("AGENTPEN_SANDBOX_BACKEND"); v != "" {
		cfg.Sandbox.Backend = v
	}
	if v := os.Getenv("AGENTPEN_SANDBOX_LEVEL"); v != "" {
		cfg.Sandbox.Level = v
	}
	if v := os.Getenv("AGENTPEN_SANDBOX_MEMORY_LIMIT"); v != "" {
		cfg.Sandbox.MemoryLimit = v
	}
	if v := os.Getenv("AGENTPEN_SANDBOX_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sandbox.CPULimit = f
		}
	}
	if v := os.Getenv("AGENTPEN_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
}
