// Package workspace loads, persists, and serves the persistent workspace
// configuration (spec §3 "Workspace config", §6 "Persistent state"):
// folders bound to chat topics, the registered engines, ralph defaults,
// and the transport/plugin opaque option bags. A Workspace is immutable
// per run — admin mutations build a new Config and swap it in atomically,
// notifying any reload listeners (spec §3 "Configuration is immutable per
// run; admin mutations write a new version and notify a reload callback").
package workspace

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/router"
	"github.com/dohr-michael/ozzie-gateway/internal/worktree"
)

// ConfigVersion is the migration marker written by the current schema.
// Migrate is a no-op once a config already carries this value.
const ConfigVersion = 1

// RalphConfig holds the ralph-loop defaults (GLOSSARY "Ralph loop").
type RalphConfig struct {
	Enabled              bool `json:"enabled"`
	DefaultMaxIterations int  `json:"default_max_iterations"`
}

// Folder is one entry in the workspace's folders map (spec §3 "Folder").
type Folder struct {
	Name         string   `json:"-"`
	Path         string   `json:"path"`
	ChannelIDs   []string `json:"channels,omitempty"`
	TopicID      string   `json:"topic_id,omitempty"`
	Description  string   `json:"description,omitempty"`
	Origin       string   `json:"origin,omitempty"`
	PendingTopic bool     `json:"pending_topic,omitempty"`
}

// Config is the persisted workspace document (spec §6 "[workspace]" /
// "[transports.<id>]" / "[folders.<name>]" / "[workers.ralph]").
type Config struct {
	ConfigVersion    int                       `json:"config_version,omitempty"`
	Name             string                    `json:"name"`
	DefaultEngine    string                    `json:"default_engine"`
	DefaultTransport string                    `json:"default_transport,omitempty"`
	WorktreesDir     string                    `json:"worktrees_dir,omitempty"`
	WorktreeBase     string                    `json:"worktree_base,omitempty"`
	EditFinalInPlace bool                      `json:"edit_final_in_place,omitempty"`
	Folders          map[string]*Folder        `json:"folders"`
	Transports       map[string]map[string]any `json:"transports,omitempty"`
	Ralph            RalphConfig               `json:"ralph"`
	PluginConfigs    map[string]map[string]any `json:"plugin_configs,omitempty"`
}

// defaultConfig returns the config a freshly created workspace starts with.
func defaultConfig(name string) *Config {
	return &Config{
		ConfigVersion: ConfigVersion,
		Name:          name,
		DefaultEngine: "claude",
		WorktreesDir:  "worktrees",
		Folders:       make(map[string]*Folder),
		Ralph:         RalphConfig{DefaultMaxIterations: 3},
	}
}

// clone deep-copies a Config so admin mutations never touch the live,
// concurrently-read copy in place (clone-and-swap, spec §3).
func (c *Config) clone() *Config {
	cp := *c
	cp.Folders = make(map[string]*Folder, len(c.Folders))
	for name, f := range c.Folders {
		folderCopy := *f
		folderCopy.ChannelIDs = append([]string(nil), f.ChannelIDs...)
		cp.Folders[name] = &folderCopy
	}
	cp.Transports = cloneOpaqueMap(c.Transports)
	cp.PluginConfigs = cloneOpaqueMap(c.PluginConfigs)
	return &cp
}

func cloneOpaqueMap(m map[string]map[string]any) map[string]map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(m))
	for k, v := range m {
		inner := make(map[string]any, len(v))
		for ik, iv := range v {
			inner[ik] = iv
		}
		out[k] = inner
	}
	return out
}

// Workspace is the live, queryable workspace: the current Config plus the
// root directory it was loaded from and the engines actually registered
// at plugin-load time. It implements driver.Workspace.
type Workspace struct {
	root       string
	configPath string

	current atomic.Pointer[Config]

	mu        sync.Mutex // serializes mutation/reload; listeners slice
	listeners []func(*Config)

	enginesMu sync.RWMutex
	engines   []ids.EngineId
}

// New creates a Workspace rooted at root, wrapping cfg. cfg must not be
// mutated afterward except through Workspace's own methods.
func New(root, configPath string, cfg *Config) *Workspace {
	w := &Workspace{root: root, configPath: configPath}
	w.current.Store(cfg)
	return w
}

// Root returns the absolute workspace root directory.
func (w *Workspace) Root() string { return w.root }

// Name returns the workspace's configured display name.
func (w *Workspace) Name() string { return w.Config().Name }

// Config returns the current configuration snapshot. Callers must treat
// it as read-only; mutate through Workspace's admin methods instead.
func (w *Workspace) Config() *Config { return w.current.Load() }

// SetRegisteredEngines records the engines that actually loaded, in
// registration order, so ResolveResume's "first match wins" precedence
// (spec §4.4) is well defined. Called once after plugin loading completes.
func (w *Workspace) SetRegisteredEngines(engines []ids.EngineId) {
	w.enginesMu.Lock()
	w.engines = append([]ids.EngineId(nil), engines...)
	w.enginesMu.Unlock()
}

// RegisteredEngines returns the engines set by SetRegisteredEngines.
func (w *Workspace) RegisteredEngines() []ids.EngineId {
	w.enginesMu.RLock()
	defer w.enginesMu.RUnlock()
	return append([]ids.EngineId(nil), w.engines...)
}

// DefaultEngine returns the workspace's configured default engine.
func (w *Workspace) DefaultEngine() ids.EngineId {
	return ids.EngineId(w.Config().DefaultEngine)
}

// EngineConfig returns the opaque per-engine config bag configured for id
// (the "[plugin_configs.<id>]" document section), or nil if none is set.
func (w *Workspace) EngineConfig(id ids.EngineId) map[string]any {
	return w.Config().PluginConfigs[string(id)]
}

// EditFinalInPlace reports whether a finished turn should edit its
// progress message in place rather than send-then-delete (spec §4.7).
func (w *Workspace) EditFinalInPlace() bool { return w.Config().EditFinalInPlace }

// RalphMaxIterations returns the default iteration cap for a ralph loop.
func (w *Workspace) RalphMaxIterations() int { return w.Config().Ralph.DefaultMaxIterations }

// RalphAlwaysOn reports whether every worker-topic turn runs as a ralph
// loop by default (spec §4.7, GLOSSARY "Ralph loop").
func (w *Workspace) RalphAlwaysOn() bool { return w.Config().Ralph.Enabled }

// Folders projects the configured folders into the router's minimal view.
// Folders without a bound topic are included too; the router simply never
// indexes them by topic (they're still listed in OrchestratorPreamble).
func (w *Workspace) Folders() []*router.Folder {
	cfg := w.Config()
	out := make([]*router.Folder, 0, len(cfg.Folders))
	names := sortedFolderNames(cfg.Folders)
	for _, name := range names {
		f := cfg.Folders[name]
		out = append(out, &router.Folder{Name: name, TopicID: f.TopicID})
	}
	return out
}

func sortedFolderNames(folders map[string]*Folder) []string {
	names := make([]string, 0, len(folders))
	for name := range folders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FolderByName returns the full folder record, or ok=false if unknown.
func (w *Workspace) FolderByName(name string) (*Folder, bool) {
	f, ok := w.Config().Folders[name]
	return f, ok
}

// AdminFolders returns every configured folder in name order, with its
// path/topic/origin/pending fields intact, for the /list and /status
// admin commands (SUPPLEMENTED FEATURES "Workspace admin slash commands").
func (w *Workspace) AdminFolders() []*Folder {
	cfg := w.Config()
	out := make([]*Folder, 0, len(cfg.Folders))
	for _, name := range sortedFolderNames(cfg.Folders) {
		out = append(out, cfg.Folders[name])
	}
	return out
}

// ResolveCwd returns the working directory a turn against folder/branch
// should run in, materializing a git worktree first whenever branch is
// non-empty (spec §4.7 "Worktrees").
func (w *Workspace) ResolveCwd(folder *router.Folder, branch string) (string, error) {
	if folder == nil {
		return w.root, nil
	}
	full, ok := w.FolderByName(folder.Name)
	if !ok {
		return "", fmt.Errorf("folder %q is not configured", folder.Name)
	}
	repoPath := filepath.Join(w.root, full.Path)
	if branch == "" {
		return repoPath, nil
	}

	if err := ensureGitAvailable(); err != nil {
		return "", err
	}

	cfg := w.Config()
	worktreesDir := cfg.WorktreesDir
	if worktreesDir == "" {
		worktreesDir = "worktrees"
	}
	base := cfg.WorktreeBase
	return worktree.Ensure(repoPath, worktreesDir, branch, base)
}

// OrchestratorPreamble builds the workspace-context preamble prepended to
// fresh (non-resumed) General-topic prompts (spec §4.7): the workspace
// name, the bound folders, and the engines available for selection.
func (w *Workspace) OrchestratorPreamble() string {
	cfg := w.Config()
	var b strings.Builder
	fmt.Fprintf(&b, "Workspace: %s\n", cfg.Name)

	names := sortedFolderNames(cfg.Folders)
	if len(names) == 0 {
		b.WriteString("Folders: (none configured)\n")
	} else {
		b.WriteString("Folders:\n")
		for _, name := range names {
			f := cfg.Folders[name]
			status := ""
			if f.PendingTopic {
				status = " (topic pending)"
			}
			fmt.Fprintf(&b, "- %s: %s%s\n", name, f.Path, status)
		}
	}

	engines := w.RegisteredEngines()
	if len(engines) == 0 {
		b.WriteString("Engines: (none loaded)\n")
	} else {
		engineNames := make([]string, len(engines))
		for i, e := range engines {
			engineNames[i] = string(e)
		}
		fmt.Fprintf(&b, "Engines: %s (default: %s)\n", strings.Join(engineNames, ", "), cfg.DefaultEngine)
	}

	if cfg.Ralph.Enabled {
		b.WriteString("Ralph loop: always on\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// StartupMessage builds the one-shot summary sent to the General topic on
// process start (SPEC_FULL "Startup message"): workspace name, folder
// count, default engine, engine availability, ralph status, cwd.
func (w *Workspace) StartupMessage(availableEngines, unavailableEngines []ids.EngineId) string {
	cfg := w.Config()
	var b strings.Builder
	fmt.Fprintf(&b, "%s is up.\n", cfg.Name)
	fmt.Fprintf(&b, "Folders: %d\n", len(cfg.Folders))
	fmt.Fprintf(&b, "Default engine: %s\n", cfg.DefaultEngine)
	if len(availableEngines) > 0 {
		fmt.Fprintf(&b, "Available engines: %s\n", joinEngines(availableEngines))
	}
	if len(unavailableEngines) > 0 {
		fmt.Fprintf(&b, "Unavailable engines: %s\n", joinEngines(unavailableEngines))
	}
	if cfg.Ralph.Enabled {
		b.WriteString("Ralph loop: always on\n")
	}
	fmt.Fprintf(&b, "Working directory: %s", w.root)
	return b.String()
}

func joinEngines(engines []ids.EngineId) string {
	names := make([]string, len(engines))
	for i, e := range engines {
		names[i] = string(e)
	}
	return strings.Join(names, ", ")
}

// OnReload registers a callback invoked after a successful mutation or
// Reload. Listeners run synchronously, in registration order, while the
// mutation's lock is held.
func (w *Workspace) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

func (w *Workspace) notify(cfg *Config) {
	for _, fn := range w.listeners {
		fn(cfg)
	}
}

// mutate applies fn to a clone of the current config, persists the clone,
// swaps it in, and notifies listeners — the clone-and-swap pattern spec §3
// requires for workspace-admin config mutations.
func (w *Workspace) mutate(fn func(*Config) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.Config().clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := Save(w.configPath, next); err != nil {
		return fmt.Errorf("persist workspace config: %w", err)
	}
	w.current.Store(next)
	w.notify(next)
	return nil
}

// AddFolder registers a new folder (SUPPLEMENTED FEATURES "/create, /add").
// pendingTopic marks it as needing transport-side topic creation before
// it can be routed to.
func (w *Workspace) AddFolder(name, path string, pendingTopic bool) error {
	return w.mutate(func(cfg *Config) error {
		if _, exists := cfg.Folders[name]; exists {
			return fmt.Errorf("folder %q already exists", name)
		}
		cfg.Folders[name] = &Folder{Name: name, Path: path, PendingTopic: pendingTopic}
		return nil
	})
}

// RemoveFolder drops a folder from the workspace (SUPPLEMENTED FEATURES
// "/remove"). It does not touch the folder's contents on disk.
func (w *Workspace) RemoveFolder(name string) error {
	return w.mutate(func(cfg *Config) error {
		if _, exists := cfg.Folders[name]; !exists {
			return fmt.Errorf("folder %q does not exist", name)
		}
		delete(cfg.Folders, name)
		return nil
	})
}

// UpdateFolderTopicID records the chat-platform topic ID created for a
// pending folder and clears its pending flag (SUPPLEMENTED FEATURES
// "Pending-topic creation").
func (w *Workspace) UpdateFolderTopicID(name, topicID string) error {
	return w.mutate(func(cfg *Config) error {
		f, ok := cfg.Folders[name]
		if !ok {
			return fmt.Errorf("folder %q does not exist", name)
		}
		f.TopicID = topicID
		f.PendingTopic = false
		return nil
	})
}

// PendingFolders returns folders still waiting on transport-side topic
// creation (SUPPLEMENTED FEATURES "Pending-topic creation").
func (w *Workspace) PendingFolders() []*Folder {
	cfg := w.Config()
	var out []*Folder
	for _, name := range sortedFolderNames(cfg.Folders) {
		if f := cfg.Folders[name]; f.PendingTopic {
			out = append(out, f)
		}
	}
	return out
}
