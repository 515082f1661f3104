//go:build darwin

package interceptor

import "log/slog"

func newPlatformSystemProxy(logger *slog.Logger) SystemProxy {
	return NewNetworkSetupProxy(logger)
}
