// Package files writes and removes the agent's systemd unit file.
package files

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/CloudNativeWorks/otad/pkg/template"
)

const SystemdPath = "/etc/systemd/system"

// Unit describes the generated otad.service.
type Unit struct {
	Name       string
	Binary     string
	ConfigPath string
	StateDir   string
}

func (u Unit) Render() string {
	return fmt.Sprintf(template.SystemdTemplate,
		u.Name,       // Description (%s)
		u.StateDir,   // WorkingDirectory (%s)
		u.Binary,     // ExecStart binary (%s)
		u.ConfigPath, // ExecStart --config (%s)
		u.StateDir,   // ReadWritePaths (%s)
	)
}

// WriteSystemdServiceFile writes the unit into dir through a temporary file
// and returns its path.
func WriteSystemdServiceFile(dir, filename string, unit Unit) (string, error) {
	path := filepath.Join(dir, filename)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, []byte(unit.Render()), 0644); err != nil {
		return "", fmt.Errorf("failed to write systemd service file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to install systemd service file: %w", err)
	}
	return path, nil
}
