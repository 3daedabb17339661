package files

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

func TestWriteSystemdServiceFile(t *testing.T) {
	dir := t.TempDir()
	unit := Unit{
		Name:       "gateway-7",
		Binary:     "/usr/bin/otad",
		ConfigPath: "/etc/otad/config.yaml",
		StateDir:   "/var/lib/otad",
	}

	path, err := WriteSystemdServiceFile(dir, "otad.service", unit)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "otad.service"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "Description=otad firmware update agent (gateway-7)")
	assert.Contains(t, content, "ExecStart=/usr/bin/otad start --config /etc/otad/config.yaml")
	assert.Contains(t, content, "Type=notify")
	assert.Contains(t, content, "ReadWritePaths=/var/log /var/lib/otad")
	assert.NotContains(t, content, "%!")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "otad.service")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0644))

	result := DeleteFiles([]string{existing, filepath.Join(dir, "missing.service")}, logger.NewNop())
	assert.Equal(t, []string{existing}, result.DeletedFiles)
	assert.Empty(t, result.Errors)

	_, err := os.Stat(existing)
	assert.True(t, os.IsNotExist(err))
}

func TestRenderHasNoPlaceholders(t *testing.T) {
	out := Unit{Name: "n", Binary: "b", ConfigPath: "c", StateDir: "s"}.Render()
	assert.False(t, strings.Contains(out, "%s"))
}
