package workspace

import (
	"os"
	"path/filepath"
)

// ConfigDirName and ConfigFileName name the persisted workspace document
// (spec §6 "Persistent state (`.pochi/workspace.toml`)" — this repo keeps
// the directory/semantics but serializes as JSONC, see SPEC_FULL's
// AMBIENT STACK "Configuration").
const (
	ConfigDirName  = ".pochi"
	ConfigFileName = "workspace.jsonc"
)

// ConfigPath returns the path to root's workspace config file.
func ConfigPath(root string) string {
	return filepath.Join(root, ConfigDirName, ConfigFileName)
}

// DotenvPath returns the path to root's workspace .env file, reused
// alongside the config for transport/engine secrets (SPEC_FULL AMBIENT
// STACK "Dotenv").
func DotenvPath(root string) string {
	return filepath.Join(root, ConfigDirName, ".env")
}

// Discover walks upward from startDir looking for a directory containing
// ConfigDirName/ConfigFileName, returning the first one found (spec §6
// "Workspace discovery"). Returns an error if none is found before
// reaching the filesystem root.
func Discover(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(ConfigPath(dir)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errNotInWorkspace
		}
		dir = parent
	}
}

var errNotInWorkspace = &notInWorkspaceError{}

type notInWorkspaceError struct{}

func (*notInWorkspaceError) Error() string {
	return "not in a workspace: no " + ConfigDirName + "/" + ConfigFileName + " found in any parent directory"
}
