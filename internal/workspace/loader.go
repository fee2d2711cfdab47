package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"github.com/marcozac/go-jsonc"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// expandEnvTemplates replaces ${{ .Env.VAR }} with the named environment
// variable's value (empty when the variable is unset).
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// Load reads and migrates the workspace config at path, returning the
// typed Config. Missing topic_id/channels etc. default to the zero value.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workspace config: %w", err)
	}

	var doc map[string]any
	if err := jsonc.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal workspace config: %w", err)
	}

	if applied := Migrate(doc); len(applied) > 0 {
		if err := backupAndWriteRaw(path, doc); err != nil {
			return nil, fmt.Errorf("write migrated workspace config: %w", err)
		}
	}

	expanded := expandEnvTemplates(jsonString(doc))
	var cfg Config
	if err := jsonc.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode migrated workspace config: %w", err)
	}
	applyFolderNames(&cfg)
	if cfg.Folders == nil {
		cfg.Folders = make(map[string]*Folder)
	}
	foldLegacyTelegramSection(doc, &cfg)
	return &cfg, nil
}

// foldLegacyTelegramSection folds a top-level "telegram" document section
// (spec §6's migration target) into the generic Transports opaque-map
// field, since the typed Config only models transports generically.
func foldLegacyTelegramSection(doc map[string]any, cfg *Config) {
	telegram, ok := doc["telegram"].(map[string]any)
	if !ok || len(telegram) == 0 {
		return
	}
	if cfg.Transports == nil {
		cfg.Transports = make(map[string]map[string]any)
	}
	if _, exists := cfg.Transports["telegram"]; !exists {
		cfg.Transports["telegram"] = telegram
	}
}

// applyFolderNames fills in each Folder's Name field from its map key,
// since the map key is the canonical name and isn't itself a JSON field.
func applyFolderNames(cfg *Config) {
	for name, f := range cfg.Folders {
		f.Name = name
	}
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Save writes cfg to path, backing up any existing file first (spec §6
// "Backup file <config>.bak written before any migration") and writing
// atomically via a temp file + rename so a crash mid-write never leaves a
// truncated config behind.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create workspace config dir: %w", err)
	}
	if err := backupExisting(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workspace config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write workspace config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace workspace config: %w", err)
	}
	return nil
}

func backupAndWriteRaw(path string, doc map[string]any) error {
	if err := backupExisting(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal migrated workspace config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func backupExisting(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".bak", data, 0o644)
}

// Create initializes a brand-new workspace at root: writes a default
// config and creates the config directory.
func Create(root, name string) (*Workspace, error) {
	cfg := defaultConfig(name)
	path := ConfigPath(root)
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return New(root, path, cfg), nil
}

// Open discovers the workspace root from startDir, loads its config, and
// returns a ready Workspace.
func Open(startDir string) (*Workspace, error) {
	root, err := Discover(startDir)
	if err != nil {
		return nil, err
	}
	path := ConfigPath(root)
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return New(root, path, cfg), nil
}

// Reload re-reads the config file from disk, swaps it in, and notifies
// listeners (spec §3 "admin mutations write a new version and notify a
// reload callback" — Reload covers the out-of-process-edit case).
func (w *Workspace) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := Load(w.configPath)
	if err != nil {
		return err
	}
	w.current.Store(cfg)
	w.notify(cfg)
	return nil
}

// ensureGitAvailable is used by worktree resolution call sites to produce
// a clearer error than a raw exec.LookPath failure.
func ensureGitAvailable() error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git not found on PATH: %w", err)
	}
	return nil
}
