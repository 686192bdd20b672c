package hmon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiscardLoggerNeverPanics(t *testing.T) {
	l := DiscardLogger()
	assert.NotPanics(t, func() {
		l.Debug("debug", "k", 1)
		l.Info("info")
		l.Warn("warn", "err", "x")
		l.Error("error")
	})
}
