// Package systemd talks to the service manager: restarting into a new image
// and reporting readiness.
package systemd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/login1"

	"github.com/CloudNativeWorks/otad/internal/cmdrunner"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const (
	ModeReboot = "reboot"
	ModeExit   = "exit"
	ModeNone   = "none"

	fallbackTimeout = 30 * time.Second
	// logind gives no answer to a reboot request; if the process is still
	// alive after this long the request is treated as ignored.
	rebootGrace = 2 * time.Minute
)

// Restarter brings the device up on the newly selected slot.
type Restarter struct {
	mode   string
	runner cmdrunner.CommandRunner
	logger *logger.Logger

	reboot func() error
	exit   func(code int)
	notify func(state string) (bool, error)
	settle func(d time.Duration)
}

func NewRestarter(mode string, runner cmdrunner.CommandRunner, log *logger.Logger) (*Restarter, error) {
	switch mode {
	case ModeReboot, ModeExit, ModeNone:
	default:
		return nil, fmt.Errorf("unsupported restart mode: %s", mode)
	}

	return &Restarter{
		mode:   mode,
		runner: runner,
		logger: log,
		reboot: rebootLogind,
		exit:   os.Exit,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		settle: time.Sleep,
	}, nil
}

// rebootLogind asks systemd-logind for a reboot over D-Bus. login1 does not
// report whether the request was accepted, so only a failed connection
// surfaces as an error here.
func rebootLogind() error {
	conn, err := login1.New()
	if err != nil {
		return fmt.Errorf("failed to connect to logind: %w", err)
	}
	defer conn.Close()

	conn.Reboot(false)
	return nil
}

// Restart performs the configured restart. In exit mode it does not return.
func (r *Restarter) Restart(reason string) error {
	r.logger.WithFields(logger.Fields{
		"mode":   r.mode,
		"reason": reason,
	}).Warn("Restarting")

	switch r.mode {
	case ModeNone:
		r.logger.Info("Restart disabled, new image boots on next restart")
		return nil

	case ModeExit:
		r.notifyState(daemon.SdNotifyStopping)
		r.exit(0)
		return nil
	}

	r.notifyState(daemon.SdNotifyStopping)
	if err := r.reboot(); err != nil {
		r.logger.WithError(err).Warn("logind reboot failed, falling back to systemctl")
		return r.rebootSystemctl()
	}

	go r.watchReboot()
	return nil
}

// watchReboot falls back to systemctl when logind took the request but the
// system is still up after rebootGrace.
func (r *Restarter) watchReboot() {
	r.settle(rebootGrace)
	r.logger.Warnf("No reboot %s after logind request, falling back to systemctl", rebootGrace)
	if err := r.rebootSystemctl(); err != nil {
		r.logger.WithError(err).Error("Reboot fallback failed")
	}
}

func (r *Restarter) rebootSystemctl() error {
	ctx, cancel := context.WithTimeout(context.Background(), fallbackTimeout)
	defer cancel()
	if err := r.runner.Run(ctx, "systemctl", "reboot"); err != nil {
		return fmt.Errorf("failed to reboot: %w", err)
	}
	return nil
}

func (r *Restarter) notifyState(state string) {
	if sent, err := r.notify(state); err != nil {
		r.logger.WithError(err).Debug("sd_notify failed")
	} else if sent {
		r.logger.Debugf("sd_notify: %s", state)
	}
}

// NotifyReady tells systemd the agent finished starting. Outside of systemd
// it is a no-op.
func NotifyReady(log *logger.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.WithError(err).Warn("Failed to notify systemd")
		return
	}
	if sent {
		log.Debug("Notified systemd: ready")
	}
}

// NotifyStopping tells systemd the agent is shutting down.
func NotifyStopping(log *logger.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.WithError(err).Debug("Failed to notify systemd")
	}
}
