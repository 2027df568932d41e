package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveRoots(t *testing.T) {
	os.Unsetenv("AGENT_DATA_ROOT")
	os.Unsetenv("CONFIG_PATH")
	os.Unsetenv("QUEUE_DB_PATH")
	assert.Equal(t, DefaultDataRoot, ResolveDataRoot())
	assert.Equal(t, DefaultConfigPath, ResolveConfigPath(""))
	assert.Equal(t, DefaultQueueDBPath, ResolveQueueDBPath())

	os.Setenv("AGENT_DATA_ROOT", "/custom/data")
	os.Setenv("QUEUE_DB_PATH", "/custom/queue.db")
	assert.Equal(t, "/custom/data", ResolveDataRoot())
	assert.Equal(t, "/custom/queue.db", ResolveQueueDBPath())
	assert.Equal(t, "/explicit.yaml", ResolveConfigPath("/explicit.yaml"))

	os.Unsetenv("AGENT_DATA_ROOT")
	os.Unsetenv("QUEUE_DB_PATH")
}

func TestSafeJoin(t *testing.T) {
	base := "/app/data"

	cases := []struct {
		name     string
		elements []string
		valid    bool
	}{
		{"normal", []string{"logs", "app.log"}, true},
		{"parent", []string{"..", "other"}, false},
		{"nested_parent", []string{"logs", "..", "..", "secrets"}, false},
		{"absolute", []string{"/etc/passwd"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := SafeJoin(base, tc.elements...)
			if tc.valid {
				assert.NoError(t, err)
				assert.Contains(t, res, base)
			} else if assert.Error(t, err) {
				assert.Contains(t, err.Error(), "traversal")
			}
		})
	}
}

func TestEnsureParentDir(t *testing.T) {
	tmpRoot := filepath.Join(os.TempDir(), "edge_agent_test_data")
	defer os.RemoveAll(tmpRoot)

	err := EnsureParentDir(filepath.Join(tmpRoot, "queue.db"))
	assert.NoError(t, err)

	_, err = os.Stat(tmpRoot)
	assert.NoError(t, err, "parent directory should exist")
}
