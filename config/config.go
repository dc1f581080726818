package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Turee/microvm-orchestrator-mcp/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the orchestrator's data directory. It holds
// the config file, the repo allowlist, the slot affinity map and the per-slot
// storage areas.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".microvm-orchestrator"), nil
}

// Config represents the application configuration
type Config struct {
	// MaxSlots is the number of concurrent VM slots available.
	MaxSlots int `json:"max_slots"`
	// MCPHost is the bind address for the streamable HTTP transport.
	MCPHost string `json:"mcp_host"`
	// MCPPort is the bind port for the streamable HTTP transport.
	MCPPort int `json:"mcp_port"`
	// NixDir is the directory containing default.nix for the VM build.
	NixDir string `json:"nix_dir"`
	// PackageName is the nix attribute built for each VM.
	PackageName string `json:"package_name"`
	// EventWaitTimeoutMs is the default timeout for wait_next_event.
	EventWaitTimeoutMs int `json:"event_wait_timeout_ms"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	nixDir := ""
	if configDir, err := GetConfigDir(); err == nil {
		nixDir = filepath.Join(configDir, "nix")
	}
	return &Config{
		MaxSlots:           10,
		MCPHost:            "127.0.0.1",
		MCPPort:            8765,
		NixDir:             nixDir,
		PackageName:        "claude-microvm",
		EventWaitTimeoutMs: 1_800_000,
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	if config.MaxSlots <= 0 {
		config.MaxSlots = DefaultConfig().MaxSlots
	}
	if config.EventWaitTimeoutMs <= 0 {
		config.EventWaitTimeoutMs = DefaultConfig().EventWaitTimeoutMs
	}

	return &config
}

// saveConfig saves the configuration to disk
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return atomicWriteFile(configPath, data, 0644)
}

// SaveConfig exports the saveConfig function for use by other packages
func SaveConfig(config *Config) error {
	return saveConfig(config)
}

// AllowedReposPath returns the location of the repo allowlist file.
func AllowedReposPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "allowed-repos.json"), nil
}

// SlotAssignmentsPath returns the location of the slot affinity file.
func SlotAssignmentsPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "slot-assignments.json"), nil
}
