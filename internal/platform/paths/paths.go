// Package paths resolves the agent's on-disk layout (data directory,
// config file, queue database) from environment variables with sane
// on-premises defaults.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultDataRoot is where the agent keeps its queue database, logs
	// and any local state when no override is provided.
	DefaultDataRoot = "/app/data"

	// DefaultConfigPath is the default location of the YAML config
	// overlay.
	DefaultConfigPath = "/app/config/agent.yaml"

	// DefaultQueueDBPath is the default PEQ database file.
	DefaultQueueDBPath = "/app/data/queue.db"
)

// ResolveDataRoot returns the absolute path to the agent's data directory.
func ResolveDataRoot() string {
	root := os.Getenv("AGENT_DATA_ROOT")
	if root == "" {
		root = DefaultDataRoot
	}
	return root
}

// ResolveConfigPath returns the absolute path to the YAML config overlay.
// customPath, when non-empty, always wins.
func ResolveConfigPath(customPath string) string {
	if customPath != "" {
		return customPath
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return DefaultConfigPath
}

// ResolveQueueDBPath returns the absolute path to the PEQ database file.
func ResolveQueueDBPath() string {
	if p := os.Getenv("QUEUE_DB_PATH"); p != "" {
		return p
	}
	return DefaultQueueDBPath
}

// EnsureParentDir creates the parent directory of path if it doesn't exist.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// SafeJoin joins path elements under base and rejects any element that
// would escape it, guarding against path traversal in values that
// ultimately derive from cloud-synced configuration.
func SafeJoin(base string, elements ...string) (string, error) {
	for _, el := range elements {
		if filepath.IsAbs(el) {
			return "", fmt.Errorf("path traversal attempt: absolute element %q not allowed", el)
		}
	}
	joined := filepath.Join(append([]string{base}, elements...)...)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	prefix := absBase
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if absJoined != absBase && !strings.HasPrefix(absJoined, prefix) {
		return "", fmt.Errorf("path traversal attempt: %s escapes %s", absJoined, absBase)
	}
	return absJoined, nil
}
