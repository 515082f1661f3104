package interceptor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// SystemProxy points the operating system's default HTTP and HTTPS proxy at
// the interceptor and restores it afterwards. Failures are reported to the
// caller, which logs them; they never stop the proxy from starting.
type SystemProxy interface {
	Enable(ctx context.Context, host string, port int) error
	Disable(ctx context.Context) error
}

// NopSystemProxy leaves the system configuration alone.
type NopSystemProxy struct{}

func (NopSystemProxy) Enable(context.Context, string, int) error { return nil }
func (NopSystemProxy) Disable(context.Context) error             { return nil }

// NewSystemProxy returns the implementation for the running OS, or a
// NopSystemProxy where none exists.
func NewSystemProxy(logger *slog.Logger) SystemProxy {
	if logger == nil {
		logger = slog.Default()
	}
	return newPlatformSystemProxy(logger)
}

// commandRunner runs an external command and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

// NetworkSetupProxy configures every enabled macOS network service with
// networksetup.
type NetworkSetupProxy struct {
	Logger *slog.Logger
	run    commandRunner
}

// NewNetworkSetupProxy creates a NetworkSetupProxy.
func NewNetworkSetupProxy(logger *slog.Logger) *NetworkSetupProxy {
	return &NetworkSetupProxy{Logger: logger, run: runCommand}
}

// Enable implements SystemProxy.
func (n *NetworkSetupProxy) Enable(ctx context.Context, host string, port int) error {
	services, err := n.services(ctx)
	if err != nil {
		return err
	}
	p := strconv.Itoa(port)
	for _, svc := range services {
		for _, args := range [][]string{
			{"-setwebproxy", svc, host, p},
			{"-setsecurewebproxy", svc, host, p},
			{"-setwebproxystate", svc, "on"},
			{"-setsecurewebproxystate", svc, "on"},
		} {
			if _, err := n.run(ctx, "networksetup", args...); err != nil {
				return err
			}
		}
		n.Logger.Debug("system proxy enabled", "service", svc, "host", host, "port", port)
	}
	return nil
}

// Disable implements SystemProxy.
func (n *NetworkSetupProxy) Disable(ctx context.Context) error {
	services, err := n.services(ctx)
	if err != nil {
		return err
	}
	for _, svc := range services {
		for _, args := range [][]string{
			{"-setwebproxystate", svc, "off"},
			{"-setsecurewebproxystate", svc, "off"},
		} {
			if _, err := n.run(ctx, "networksetup", args...); err != nil {
				return err
			}
		}
		n.Logger.Debug("system proxy disabled", "service", svc)
	}
	return nil
}

func (n *NetworkSetupProxy) services(ctx context.Context) ([]string, error) {
	out, err := n.run(ctx, "networksetup", "-listallnetworkservices")
	if err != nil {
		return nil, err
	}
	return parseNetworkServices(out), nil
}

// parseNetworkServices parses `networksetup -listallnetworkservices`. The
// first line is an explanatory note and disabled services start with '*'.
func parseNetworkServices(out []byte) []string {
	var services []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			first = false
			if strings.Contains(line, "asterisk") {
				continue
			}
		}
		if line == "" || strings.HasPrefix(line, "*") {
			continue
		}
		services = append(services, line)
	}
	return services
}

// GSettingsProxy configures the GNOME desktop proxy with gsettings.
type GSettingsProxy struct {
	Logger *slog.Logger
	run    commandRunner
}

// NewGSettingsProxy creates a GSettingsProxy.
func NewGSettingsProxy(logger *slog.Logger) *GSettingsProxy {
	return &GSettingsProxy{Logger: logger, run: runCommand}
}

// Enable implements SystemProxy.
func (g *GSettingsProxy) Enable(ctx context.Context, host string, port int) error {
	p := strconv.Itoa(port)
	for _, args := range [][]string{
		{"set", "org.gnome.system.proxy.http", "host", host},
		{"set", "org.gnome.system.proxy.http", "port", p},
		{"set", "org.gnome.system.proxy.https", "host", host},
		{"set", "org.gnome.system.proxy.https", "port", p},
		{"set", "org.gnome.system.proxy", "mode", "manual"},
	} {
		if _, err := g.run(ctx, "gsettings", args...); err != nil {
			return err
		}
	}
	g.Logger.Debug("system proxy enabled", "host", host, "port", port)
	return nil
}

// Disable implements SystemProxy.
func (g *GSettingsProxy) Disable(ctx context.Context) error {
	if _, err := g.run(ctx, "gsettings", "set", "org.gnome.system.proxy", "mode", "none"); err != nil {
		return err
	}
	g.Logger.Debug("system proxy disabled")
	return nil
}
