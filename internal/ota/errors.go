package ota

import (
	"errors"

	"github.com/CloudNativeWorks/otad/internal/fetch"
	"github.com/CloudNativeWorks/otad/internal/partition"
	"github.com/CloudNativeWorks/otad/internal/release"
)

// Error kinds. Worker failures are classified into one of the first four.
var (
	ErrTransientNetwork = release.ErrTransient
	ErrProtocol         = release.ErrProtocol
	ErrIntegrity        = errors.New("image integrity check failed")
	ErrResource         = errors.New("no partition available for the update")
)

// Precondition errors, returned synchronously by the start operations.
var (
	ErrDisabled         = errors.New("OTA updates are disabled: release owner/repo not configured")
	ErrCheckInProgress  = errors.New("update check already in progress")
	ErrUpdateInProgress = errors.New("update already in progress")
	ErrRestartPending   = errors.New("update installed, restart pending")
	ErrNoUpdate         = errors.New("no update available")
	ErrNoFirmwareAsset  = errors.New("release has no firmware image")
	ErrUploadSize       = errors.New("invalid upload size")
	ErrBadMagic         = errors.New("not a firmware image (bad magic byte)")
)

// classify maps lower-level errors to one of the worker error kinds so that
// errors.Is works against the ota sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransientNetwork), errors.Is(err, ErrProtocol),
		errors.Is(err, ErrIntegrity), errors.Is(err, ErrResource):
		return err
	case errors.Is(err, fetch.ErrTransport):
		return wrap(ErrTransientNetwork, err)
	case errors.Is(err, fetch.ErrUnexpectedStatus), errors.Is(err, fetch.ErrBadRange):
		return wrap(ErrProtocol, err)
	case errors.Is(err, partition.ErrBadMagic), errors.Is(err, partition.ErrEmptyImage):
		return wrap(ErrIntegrity, err)
	case errors.Is(err, partition.ErrBusy):
		return wrap(ErrUpdateInProgress, err)
	case errors.Is(err, partition.ErrNoFreeSlot), errors.Is(err, partition.ErrImageTooLarge):
		return wrap(ErrResource, err)
	}
	return err
}

type kindError struct {
	kind error
	err  error
}

func wrap(kind, err error) error {
	return &kindError{kind: kind, err: err}
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}
