package systemd

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/CloudNativeWorks/otad/internal/cmdrunner"
)

// ServiceStatus is the parsed output of `systemctl status`.
type ServiceStatus struct {
	Unit    string   `json:"unit" yaml:"unit"`
	Loaded  string   `json:"loaded,omitempty" yaml:"loaded,omitempty"`
	Active  string   `json:"active,omitempty" yaml:"active,omitempty"`
	MainPid string   `json:"main_pid,omitempty" yaml:"main_pid,omitempty"`
	Tasks   string   `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Memory  string   `json:"memory,omitempty" yaml:"memory,omitempty"`
	CPU     string   `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	CGroup  []string `json:"cgroup,omitempty" yaml:"cgroup,omitempty"`
}

func cleanCGroupLine(line string) string {
	line = strings.TrimPrefix(line, "├─")
	line = strings.TrimPrefix(line, "└─")
	line = strings.TrimPrefix(line, "│")
	return strings.TrimSpace(line)
}

func parseServiceStatus(output string) *ServiceStatus {
	status := &ServiceStatus{}
	scanner := bufio.NewScanner(strings.NewReader(output))

	var cgroupLines []string
	inCGroupSection := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if inCGroupSection {
			if !strings.HasPrefix(line, "├") && !strings.HasPrefix(line, "└") && !strings.HasPrefix(line, "│") {
				inCGroupSection = false
			} else {
				cgroupLines = append(cgroupLines, cleanCGroupLine(line))
				continue
			}
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "Loaded":
			status.Loaded = value
		case "Active":
			status.Active = value
		case "Main PID":
			status.MainPid = value
		case "Tasks":
			status.Tasks = value
		case "Memory":
			status.Memory = value
		case "CPU":
			status.CPU = value
		case "CGroup":
			inCGroupSection = true
			cgroupLines = append(cgroupLines, value)
		}
	}

	if len(cgroupLines) > 0 {
		status.CGroup = cgroupLines
	}
	return status
}

// GetServiceStatus reports the state of the agent's unit.
func GetServiceStatus(ctx context.Context, unit string, runner cmdrunner.CommandRunner) (*ServiceStatus, error) {
	if !strings.Contains(unit, ".") {
		unit = unit + ".service"
	}

	// systemctl status exits non-zero for inactive units; the output is still useful
	output, err := runner.RunWithOutputNoErrLog(ctx, "systemctl", "status", unit)
	if err != nil && (len(output) == 0 || strings.Contains(string(output), "could not be found")) {
		return nil, fmt.Errorf("failed to get status of %s: %w", unit, err)
	}

	status := parseServiceStatus(string(output))
	status.Unit = unit
	return status, nil
}
