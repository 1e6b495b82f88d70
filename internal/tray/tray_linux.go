//go:build linux

package tray

import "github.com/cwt-line/kanban-agent/internal/kanban"

// TrayApp is a no-op on Linux. Stations run headless there and are driven
// through the operator page.
type TrayApp struct{}

// New returns a no-op tray.
func New(serverAddr string, station *kanban.Station, onQuit func()) *TrayApp {
	return &TrayApp{}
}

// RunWithServer runs serverStart on the calling goroutine.
func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		serverStart()
	}
}

// IsSupported reports false: the tray needs a cgo appindicator build on
// Linux, which station images do not carry.
func IsSupported() bool {
	return false
}
