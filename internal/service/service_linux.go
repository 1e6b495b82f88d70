//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// XDG autostart entry, started with the graphical session so the tray
	// and pcscd polkit checks see an active session.
	desktopTemplate = `[Desktop Entry]
Type=Application
Name=Kanban Agent
Comment=Kanban card station for the ACR122U reader
Exec={{.ExecutablePath}}{{range .Args}} {{.}}{{end}}
Icon=kanban-agent
Terminal=false
Categories=Utility;
StartupNotify=false
X-GNOME-Autostart-enabled=true
`

	// systemd user unit for stations without a desktop session.
	unitTemplate = `[Unit]
Description=Kanban Agent - kanban card station
After=pcscd.socket

[Service]
Type=simple
ExecStart={{.ExecutablePath}}{{range .Args}} {{.}}{{end}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
)

type linuxService struct {
	// headless selects the systemd unit instead of XDG autostart.
	headless bool
	// runCommand is swapped in tests.
	runCommand func(name string, args ...string) error
}

// New creates a new platform-specific service manager. Without a display
// the agent is installed as a systemd user unit running headless.
func New() Service {
	return &linuxService{
		headless:   os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "",
		runCommand: func(name string, args ...string) error { return exec.Command(name, args...).Run() },
	}
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

func (s *linuxService) autostartPath() string {
	return filepath.Join(configHome(), "autostart", appName+".desktop")
}

func (s *linuxService) unitPath() string {
	return filepath.Join(configHome(), "systemd", "user", appName+".service")
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}
	execPath, err := executablePath()
	if err != nil {
		return err
	}

	if !s.headless {
		return writeTemplateFile(s.autostartPath(), "desktop", desktopTemplate, templateData{
			ExecutablePath: execPath,
		})
	}

	if err := writeTemplateFile(s.unitPath(), "unit", unitTemplate, templateData{
		ExecutablePath: execPath,
		Args:           []string{"-no-tray", "serve"},
	}); err != nil {
		return err
	}
	_ = s.runCommand("systemctl", "--user", "daemon-reload")
	if err := s.runCommand("systemctl", "--user", "enable", "--now", appName+".service"); err != nil {
		return fmt.Errorf("failed to enable systemd unit: %w", err)
	}
	return nil
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	if err := os.Remove(s.autostartPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove autostart file: %w", err)
	}

	if fileExists(s.unitPath()) {
		_ = s.runCommand("systemctl", "--user", "disable", "--now", appName+".service")
		if err := os.Remove(s.unitPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove systemd unit: %w", err)
		}
		_ = s.runCommand("systemctl", "--user", "daemon-reload")
	}
	return nil
}

func (s *linuxService) IsInstalled() bool {
	return fileExists(s.autostartPath()) || fileExists(s.unitPath())
}

func (s *linuxService) Status() (string, error) {
	var methods []string
	if fileExists(s.autostartPath()) {
		methods = append(methods, "autostart")
	}
	if fileExists(s.unitPath()) {
		methods = append(methods, "systemd")
	}
	if len(methods) == 0 {
		return "not installed", nil
	}

	if err := s.runCommand("pgrep", "-x", appName); err == nil {
		return fmt.Sprintf("running (%s)", strings.Join(methods, ", ")), nil
	}
	return fmt.Sprintf("installed (%s) but not running", strings.Join(methods, ", ")), nil
}
