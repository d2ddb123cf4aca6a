//go:build !windows

// Package osutils holds platform helpers for running the relay as a service.
package osutils

import "go.uber.org/zap"

// IsAdmin always reports false outside Windows.
func IsAdmin() bool {
	return false
}

// EnsureFirewallRule is a no-op outside Windows; host firewalls there are
// managed by the operator.
func EnsureFirewallRule(name string, port int, log *zap.Logger) error {
	log.Debug("firewall rule management only supported on Windows", zap.String("rule", name), zap.Int("port", port))
	return nil
}
