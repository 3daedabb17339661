// Package ota implements firmware self-update: checking for a newer release,
// installing it into the inactive partition and restarting into it.
package ota

import (
	"context"
	"io"
	"time"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

// Status is the combined view the HTTP layer serves. It is always well
// formed, failed workers included.
type Status struct {
	Enabled          bool       `json:"enabled"`
	Checking         bool       `json:"checking"`
	Result           string     `json:"result"`
	UpdateAvailable  bool       `json:"update_available"`
	LatestVersion    string     `json:"latest_version"`
	CurrentVersion   string     `json:"current_version"`
	FirmwareURL      string     `json:"firmware_url,omitempty"`
	CheckError       string     `json:"check_error,omitempty"`
	LastCheck        *time.Time `json:"last_check,omitempty"`
	DownloadState    string     `json:"download_state"`
	DownloadProgress int        `json:"download_progress"`
	ReceivedBytes    int64      `json:"received_bytes"`
	TotalBytes       int64      `json:"total_bytes"`
	SizeEstimated    bool       `json:"size_estimated"`
	InstallID        string     `json:"install_id,omitempty"`
	InstallSource    string     `json:"install_source,omitempty"`
	BootSlot         string     `json:"boot_slot"`
	RunningSlot      string     `json:"running_slot"`
	Error            string     `json:"error,omitempty"`
}

// Manager is the update facade. It holds no state of its own.
type Manager struct {
	checker        *Checker
	installer      *Installer
	parts          Partitions
	currentVersion string
	logger         *logger.Logger
}

func NewManager(currentVersion string, checker *Checker, installer *Installer, parts Partitions, log *logger.Logger) *Manager {
	return &Manager{
		checker:        checker,
		installer:      installer,
		parts:          parts,
		currentVersion: currentVersion,
		logger:         log,
	}
}

func (m *Manager) Checker() *Checker {
	return m.checker
}

func (m *Manager) Installer() *Installer {
	return m.installer
}

func (m *Manager) CurrentVersion() string {
	return m.currentVersion
}

// MaxUploadSize is the largest image AcceptUpload takes.
func (m *Manager) MaxUploadSize() int64 {
	return m.installer.MaxUploadSize()
}

// BeginCheck starts an asynchronous update check.
func (m *Manager) BeginCheck() error {
	return m.checker.CheckAsync()
}

// BeginUpdate installs the release found by the last successful check.
func (m *Manager) BeginUpdate() error {
	if !m.checker.Enabled() {
		return ErrDisabled
	}

	snap := m.checker.Snapshot()
	if snap.State != CheckComplete || snap.Info == nil || !snap.Info.UpdateAvailable {
		return ErrNoUpdate
	}
	if !snap.Info.HasFirmware() {
		return ErrNoFirmwareAsset
	}

	m.logger.Infof("Starting update to %s", snap.Info.LatestVersion)
	return m.installer.StartUpdate(snap.Info.FirmwareURL)
}

// AcceptUpload installs a locally supplied image.
func (m *Manager) AcceptUpload(ctx context.Context, r io.Reader, length int64) error {
	return m.installer.AcceptUpload(ctx, r, length)
}

// CheckStatus assembles the checker and installer snapshots into one value.
func (m *Manager) CheckStatus() Status {
	check := m.checker.Snapshot()
	install := m.installer.Snapshot()

	st := Status{
		Enabled:          m.checker.Enabled(),
		Checking:         check.State == CheckInProgress,
		Result:           check.State.String(),
		LatestVersion:    unknownVersion,
		CurrentVersion:   m.currentVersion,
		CheckError:       check.LastError,
		DownloadState:    install.State.String(),
		DownloadProgress: install.Progress.Percent,
		ReceivedBytes:    install.Progress.Received,
		TotalBytes:       install.Progress.Total,
		SizeEstimated:    install.Progress.Estimated,
		InstallID:        install.InstallID,
		InstallSource:    install.Source,
		BootSlot:         string(m.parts.BootTarget()),
		RunningSlot:      string(m.parts.Running()),
		Error:            install.LastError,
	}

	if check.Info != nil {
		st.UpdateAvailable = check.State == CheckComplete && check.Info.UpdateAvailable
		st.FirmwareURL = check.Info.FirmwareURL
		if check.Info.LatestVersion != "" {
			st.LatestVersion = check.Info.LatestVersion
		}
	}
	if !check.CheckedAt.IsZero() {
		t := check.CheckedAt
		st.LastCheck = &t
	}
	return st
}
