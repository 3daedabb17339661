package helper

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

func TestRecoverPanic(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer RecoverPanic(logger.NewNop(), "test")
		panic("boom")
	}()
	<-done
}

func TestRecoverPanicWithoutPanic(t *testing.T) {
	ran := false
	func() {
		defer RecoverPanic(logger.NewNop(), "test")
		ran = true
	}()
	assert.True(t, ran)
}
