// Package welcome shows the first-run and about dialogs on desktops with a
// tray.
package welcome

import (
	"os"
	"path/filepath"
	"strings"
)

const title = "Kanban Agent"

// markerName is created in the config dir once the first-run dialogs ran.
const markerName = ".welcome-shown"

func markerPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "kanban-agent", markerName), nil
}

// IsFirstRun reports whether the first-run dialogs have not been shown yet.
func IsFirstRun() bool {
	path, err := markerPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return os.IsNotExist(err)
}

// MarkAsShown records that the first-run dialogs ran.
func MarkAsShown() error {
	path, err := markerPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0644)
}

func welcomeMessage(addr string) string {
	return strings.Join([]string{
		"Kanban Agent is now running!",
		"",
		"Place a kanban card on the ACR122U reader and use the operator page to read, write or clear it:",
		"http://" + addr + "/",
		"",
		"The tray icon shows the reader and the last card seen.",
	}, "\n")
}

func aboutMessage(addr, version string) string {
	return strings.Join([]string{
		"Kanban Agent " + version,
		"",
		"Reads and writes kanban thread codes on MIFARE Classic cards through an ACR122U reader.",
		"",
		"Operator page: http://" + addr + "/",
	}, "\n")
}

const autostartPromptMessage = `Would you like Kanban Agent to start automatically when you log in?

You can change this later in the operator page settings.`

const crashReportingPromptMessage = `Send crash reports to help fix problems with Kanban Agent?

Only diagnostic information about the crash is sent. You can change this later in the operator page settings.`
