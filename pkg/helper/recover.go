package helper

import (
	"runtime/debug"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

// RecoverPanic keeps a panicking background goroutine from taking the agent
// down. Usage: defer helper.RecoverPanic(log, "firmware-download")
func RecoverPanic(log *logger.Logger, name string) {
	if r := recover(); r != nil {
		log.WithFields(logger.Fields{
			"goroutine": name,
			"panic":     r,
		}).Errorf("Panic recovered\n%s", debug.Stack())
	}
}
