package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tymektm/asystent-server/pkg/models"
)

// manifest is the on-disk descriptor for a plugin directory: manifest.json
// next to any supporting assets. Handler code is always compiled in
// (resolved via a BuiltinResolver); the manifest only supplies metadata and
// schemas, keeping discovery free of dynamic code loading/reflection.
type manifest struct {
	Name            string                  `json:"name"`
	Version         string                  `json:"version"`
	Description     string                  `json:"description"`
	TierRequired    string                  `json:"tier_required"`
	FunctionSchemas []models.FunctionSchema `json:"function_schemas"`
}

// DiscoverConfig bounds directory discovery per the spec's security
// constraints.
type DiscoverConfig struct {
	Dir              string
	Whitelist        map[string]bool // nil/empty means "allow all names passing the regex"
	MaxFileSizeBytes int64
	LoadTimeout      time.Duration
}

// BuiltinResolver maps a plugin name to its compiled-in Handler. Plugins
// without a resolvable handler are skipped with a structured error; this
// is how the explicit-registry redesign replaces runtime module loading.
type BuiltinResolver func(name string) (Handler, bool)

// DiscoverDirectory walks cfg.Dir for manifest.json files and registers
// each valid one against reg. Invalid plugins are skipped and one error per
// skipped plugin is returned to the caller; discovery itself never aborts on
// one bad plugin.
func DiscoverDirectory(ctx context.Context, reg *Registry, cfg DiscoverConfig, resolve BuiltinResolver) []error {
	var problems []error
	if cfg.Dir == "" {
		return problems
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return problems
		}
		return []error{fmt.Errorf("read plugin directory: %w", err)}
	}

	deadline := cfg.LoadTimeout
	if deadline <= 0 {
		deadline = 10 * time.Second
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !nameRE.MatchString(name) {
			problems = append(problems, fmt.Errorf("skipping plugin %q: name fails validation", name))
			continue
		}
		if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
			problems = append(problems, fmt.Errorf("skipping plugin %q: path traversal rejected", name))
			continue
		}
		if len(cfg.Whitelist) > 0 && !cfg.Whitelist[name] {
			problems = append(problems, fmt.Errorf("skipping plugin %q: not in whitelist", name))
			continue
		}

		loadCtx, cancel := context.WithTimeout(ctx, deadline)
		err := loadOne(loadCtx, reg, cfg, name, resolve)
		cancel()
		if err != nil {
			problems = append(problems, fmt.Errorf("skipping plugin %q: %w", name, err))
		}
	}
	return problems
}

func loadOne(ctx context.Context, reg *Registry, cfg DiscoverConfig, name string, resolve BuiltinResolver) error {
	path := filepath.Join(cfg.Dir, name, "manifest.json")
	cleaned := filepath.Clean(path)
	if !strings.HasPrefix(cleaned, filepath.Clean(cfg.Dir)) {
		return fmt.Errorf("resolved path escapes plugin directory")
	}

	info, err := os.Stat(cleaned)
	if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}
	maxSize := cfg.MaxFileSizeBytes
	if maxSize <= 0 {
		maxSize = 1 << 20
	}
	if info.Size() > maxSize {
		return fmt.Errorf("manifest exceeds max size %d bytes", maxSize)
	}

	data, err := os.ReadFile(cleaned)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name != name {
		return fmt.Errorf("manifest name %q does not match directory %q", m.Name, name)
	}

	handler, ok := resolve(name)
	if !ok {
		return fmt.Errorf("no compiled-in handler for plugin %q", name)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("load timed out")
	default:
	}

	desc := models.PluginDescriptor{
		Name:            m.Name,
		Version:         m.Version,
		Description:     m.Description,
		FunctionSchemas: m.FunctionSchemas,
		TierRequired:    models.Tier(m.TierRequired),
	}
	return reg.Register(desc, handler)
}
