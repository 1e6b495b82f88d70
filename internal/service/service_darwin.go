//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	launchAgentLabel = "com.cwt-line.kanban-agent"
	plistTemplate    = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/kanban-agent.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/kanban-agent.err</string>
    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>
</dict>
</plist>
`
)

type darwinService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &darwinService{}
}

func (s *darwinService) plistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func (s *darwinService) logPath() string {
	home, _ := os.UserHomeDir()
	logDir := filepath.Join(home, "Library", "Logs", "Kanban-Agent")
	os.MkdirAll(logDir, 0755)
	return logDir
}

func (s *darwinService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}
	execPath, err := executablePath()
	if err != nil {
		return err
	}

	if err := writeTemplateFile(s.plistPath(), "plist", plistTemplate, templateData{
		Label:          launchAgentLabel,
		ExecutablePath: execPath,
		LogPath:        s.logPath(),
		WorkingDir:     filepath.Dir(execPath),
	}); err != nil {
		return err
	}

	cmd := exec.Command("launchctl", "load", "-w", s.plistPath())
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to load launch agent: %s: %w", string(output), err)
	}
	return nil
}

func (s *darwinService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Ignore errors if not loaded
	exec.Command("launchctl", "unload", "-w", s.plistPath()).CombinedOutput()

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file: %w", err)
	}
	return nil
}

func (s *darwinService) IsInstalled() bool {
	return fileExists(s.plistPath())
}

func (s *darwinService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	output, err := exec.Command("launchctl", "list", launchAgentLabel).CombinedOutput()
	if err != nil {
		return "installed but not running", nil
	}
	if len(output) > 0 {
		return "running", nil
	}
	return "installed", nil
}
