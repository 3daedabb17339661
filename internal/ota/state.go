package ota

import (
	"time"

	"github.com/CloudNativeWorks/otad/internal/partition"
	"github.com/CloudNativeWorks/otad/internal/release"
)

// CheckState is the lifecycle of an update check.
type CheckState int

const (
	CheckIdle CheckState = iota
	CheckInProgress
	CheckComplete
	CheckFailed
)

func (s CheckState) String() string {
	switch s {
	case CheckInProgress:
		return "in_progress"
	case CheckComplete:
		return "complete"
	case CheckFailed:
		return "failed"
	default:
		return "idle"
	}
}

// UpdateState is the lifecycle of an install. Complete means a restart is
// imminent.
type UpdateState int

const (
	UpdateIdle UpdateState = iota
	UpdateDownloading
	UpdateComplete
	UpdateFailed
)

func (s UpdateState) String() string {
	switch s {
	case UpdateDownloading:
		return "downloading"
	case UpdateComplete:
		return "complete"
	case UpdateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Progress of one install. Percent stays below 100 until Complete.
type Progress struct {
	Received  int64 `json:"received_bytes"`
	Total     int64 `json:"total_bytes"`
	Percent   int   `json:"percent"`
	Estimated bool  `json:"size_estimated"`
}

// advance returns p with received bytes added. Percent is clamped to 99 and
// never goes backwards.
func (p Progress) advance(n int64) Progress {
	p.Received += n
	if p.Received > p.Total {
		// the estimate was too small
		p.Total = p.Received
	}
	pct := 0
	if p.Total > 0 {
		pct = int(p.Received * 100 / p.Total)
	}
	if pct > 99 {
		pct = 99
	}
	if pct > p.Percent {
		p.Percent = pct
	}
	return p
}

// CheckSnapshot is one published state of the checker. Values are never
// modified after they are stored.
type CheckSnapshot struct {
	State     CheckState
	Info      *release.Info
	LastError string
	Attempts  int
	StartedAt time.Time
	CheckedAt time.Time
}

// Source of an install.
const (
	SourceNetwork = "network"
	SourceUpload  = "upload"
)

// InstallSnapshot is one published state of the installer.
type InstallSnapshot struct {
	State      UpdateState
	Progress   Progress
	Source     string
	InstallID  string
	Slot       partition.Slot
	LastError  string
	StartedAt  time.Time
	FinishedAt time.Time
}
