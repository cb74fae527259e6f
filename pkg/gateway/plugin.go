package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Manifest is the plugin.json descriptor found in each plugin subdirectory.
type Manifest struct {
	ID           string   `json:"id"`
	Provides     string   `json:"provides"`
	Entry        string   `json:"entry"`
	GatewayClass string   `json:"gateway_class"`
	RequiresEnv  []string `json:"requires_env"`
}

// Factory builds a gateway from its manifest. Factories are registered at
// compile time under the manifest's entry name; the plugin directory only
// gates which of them are activated and under which id.
type Factory func(m Manifest) (Gateway, error)

// manifestFile is the descriptor filename looked for in each subdirectory.
const manifestFile = "plugin.json"

// DiscoverPlugins scans dir for subdirectories containing a plugin.json
// manifest and registers each gateway that loads cleanly. Every failure is
// a warning, never fatal: the server starts with whichever subset loaded.
//
// For each manifest the loader (1) verifies provides == "gateway",
// (2) checks every name in requires_env is set in the environment,
// (3) resolves the entry against the factory table, and (4) instantiates
// and registers the gateway. Returns the number of gateways registered.
func DiscoverPlugins(dir string, factories map[string]Factory, reg *Registry, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("cannot read plugin directory", "dir", dir, "error", err)
		}
		return 0
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), manifestFile)
		m, err := loadManifest(path)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("skipping plugin", "path", path, "error", err)
			}
			continue
		}

		if m.Provides != "gateway" {
			logger.Warn("skipping plugin: unsupported provides",
				"id", m.ID, "provides", m.Provides)
			continue
		}
		if missing := missingEnv(m.RequiresEnv); missing != "" {
			logger.Warn("skipping plugin: required environment variable not set",
				"id", m.ID, "var", missing)
			continue
		}

		factory, ok := factories[m.Entry]
		if !ok {
			logger.Warn("skipping plugin: no factory for entry",
				"id", m.ID, "entry", m.Entry)
			continue
		}
		g, err := factory(m)
		if err != nil {
			logger.Warn("skipping plugin: factory failed", "id", m.ID, "error", err)
			continue
		}
		if err := reg.Register(g); err != nil {
			logger.Warn("skipping plugin: registration failed", "id", m.ID, "error", err)
			continue
		}
		logger.Info("loaded gateway plugin", "id", g.ID(), "entry", m.Entry)
		loaded++
	}
	return loaded
}

func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if m.ID == "" {
		return Manifest{}, fmt.Errorf("manifest %s has empty id", path)
	}
	if m.Entry == "" {
		return Manifest{}, fmt.Errorf("manifest %s has empty entry", path)
	}
	return m, nil
}

// missingEnv returns the first name in vars that is unset, or "" when all
// are present.
func missingEnv(vars []string) string {
	for _, v := range vars {
		if _, ok := os.LookupEnv(v); !ok {
			return v
		}
	}
	return ""
}
