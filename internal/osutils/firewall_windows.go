//go:build windows

package osutils

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// IsAdmin checks if the current process has administrative privileges
func IsAdmin() bool {
	var token windows.Token
	h, _ := windows.GetCurrentProcess()
	if err := windows.OpenProcessToken(h, windows.TOKEN_QUERY, &token); err != nil {
		return false
	}
	defer token.Close()

	var sid *windows.SID
	err := windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY,
		2,
		windows.SECURITY_BUILTIN_DOMAIN_RID,
		windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0,
		&sid,
	)
	if err != nil {
		return false
	}
	defer windows.FreeSid(sid)

	member, err := token.IsMember(sid)
	return err == nil && member
}

// EnsureFirewallRule makes sure an inbound TCP allow rule named name covers
// port, creating or replacing it through an elevated PowerShell if needed.
func EnsureFirewallRule(name string, port int, log *zap.Logger) error {
	log = log.With(zap.String("rule", name), zap.Int("port", port))

	out, err := exec.Command("netsh", "advfirewall", "firewall", "show", "rule", "name="+name).CombinedOutput()
	text := string(out)
	if err == nil && strings.Contains(text, name) {
		if strings.Contains(text, strconv.Itoa(port)) && strings.Contains(text, "Allow") {
			log.Debug("firewall rule present")
			return nil
		}
		log.Info("firewall rule outdated, replacing")
	} else {
		log.Info("firewall rule missing, creating")
	}

	ps := fmt.Sprintf(
		"Remove-NetFirewallRule -DisplayName '%s' -ErrorAction SilentlyContinue; New-NetFirewallRule -DisplayName '%s' -Direction Inbound -LocalPort %d -Protocol TCP -Action Allow -Profile Any",
		name, name, port,
	)

	if IsAdmin() {
		if out, err := exec.Command("powershell", "-NoProfile", "-Command", ps).CombinedOutput(); err != nil {
			return fmt.Errorf("create firewall rule: %w (output: %s)", err, out)
		}
		log.Info("firewall rule created")
		return nil
	}

	// Not elevated: ShellExecute with the runas verb triggers a UAC prompt.
	verb, _ := syscall.UTF16PtrFromString("runas")
	exe, _ := syscall.UTF16PtrFromString("powershell.exe")
	args, _ := syscall.UTF16PtrFromString(fmt.Sprintf("-NoProfile -WindowStyle Hidden -Command \"%s\"", ps))
	if err := windows.ShellExecute(0, verb, exe, args, nil, windows.SW_HIDE); err != nil {
		return fmt.Errorf("launch elevated powershell: %w", err)
	}
	log.Info("firewall rule requested through UAC prompt")
	return nil
}
