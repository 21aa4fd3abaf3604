package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LocalConfig is the subset of sync.yaml fields read directly from the
// file rather than through the viper singleton — needed when checking
// config before Initialize has run, or from a different state directory
// than the one the singleton was bound to. Mirrors the teacher's
// LocalConfig / LoadLocalConfig split.
type LocalConfig struct {
	EnableMessageUpdates bool   `yaml:"enable-message-updates"`
	FetchConcurrency     int    `yaml:"fetch-concurrency"`
	Actor                string `yaml:"actor"`
}

// LoadLocalConfig reads and parses sync.yaml directly from stateDir.
// Returns an empty LocalConfig (never nil-dereferencing) if the file is
// missing or unparsable — config failures are never fatal to sync startup.
func LoadLocalConfig(stateDir string) *LocalConfig {
	path := filepath.Join(stateDir, "sync.yaml")
	data, err := os.ReadFile(path) // #nosec G304 - path from caller-owned stateDir
	if err != nil {
		return &LocalConfig{}
	}

	var cfg LocalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return &LocalConfig{}
	}
	return &cfg
}
