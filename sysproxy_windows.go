//go:build windows

package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"golang.org/x/sys/windows/registry"
)

const internetSettingsKey = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

// RegistryProxy sets the per-user WinINet proxy in the registry.
type RegistryProxy struct {
	Logger *slog.Logger
}

func newPlatformSystemProxy(logger *slog.Logger) SystemProxy {
	return &RegistryProxy{Logger: logger}
}

// Enable implements SystemProxy.
func (r *RegistryProxy) Enable(_ context.Context, host string, port int) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open internet settings: %w", err)
	}
	defer func() { _ = k.Close() }()

	server := net.JoinHostPort(host, strconv.Itoa(port))
	if err := k.SetStringValue("ProxyServer", server); err != nil {
		return fmt.Errorf("set ProxyServer: %w", err)
	}
	if err := k.SetDWordValue("ProxyEnable", 1); err != nil {
		return fmt.Errorf("set ProxyEnable: %w", err)
	}
	r.Logger.Debug("system proxy enabled", "server", server)
	return nil
}

// Disable implements SystemProxy.
func (r *RegistryProxy) Disable(context.Context) error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettingsKey, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open internet settings: %w", err)
	}
	defer func() { _ = k.Close() }()

	if err := k.SetDWordValue("ProxyEnable", 0); err != nil {
		return fmt.Errorf("set ProxyEnable: %w", err)
	}
	r.Logger.Debug("system proxy disabled")
	return nil
}
