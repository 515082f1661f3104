//go:build linux

package interceptor

import (
	"log/slog"
	"os/exec"
)

func newPlatformSystemProxy(logger *slog.Logger) SystemProxy {
	if _, err := exec.LookPath("gsettings"); err != nil {
		logger.Debug("gsettings not found, system proxy toggling disabled")
		return NopSystemProxy{}
	}
	return NewGSettingsProxy(logger)
}
