//go:build !linux

package tray

import (
	"context"
	_ "embed"
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/cwt-line/kanban-agent/internal/api"
	"github.com/cwt-line/kanban-agent/internal/kanban"
	"github.com/cwt-line/kanban-agent/internal/logging"
	"github.com/cwt-line/kanban-agent/internal/welcome"
	"github.com/getlantern/systray"
)

//go:embed icon.png
var iconData []byte

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr string
	station    *kanban.Station
	onQuit     func()
	mu         sync.Mutex

	// Menu items for updating
	mStatus   *systray.MenuItem
	mLastCard *systray.MenuItem
	mRead     *systray.MenuItem

	unsubscribe func()
}

// New creates a new TrayApp instance
func New(serverAddr string, station *kanban.Station, onQuit func()) *TrayApp {
	return &TrayApp{
		serverAddr: serverAddr,
		station:    station,
		onQuit:     onQuit,
	}
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("Kanban Agent")

	mVersion := systray.AddMenuItem(fmt.Sprintf("Kanban Agent %s", versionLabel(api.Version)), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mStatus = systray.AddMenuItem(statusLabel(t.station.Status()), "Selected card reader")
	t.mStatus.Disable()
	t.mLastCard = systray.AddMenuItem("Last card: none", "Most recent card operation")
	t.mLastCard.Disable()

	systray.AddSeparator()

	t.mRead = systray.AddMenuItem("Read Card", "Read the kanban card on the reader")
	mReconnect := systray.AddMenuItem("Reconnect Reader", "Rescan for card readers")
	mOpenUI := systray.AddMenuItem("Open Operator Page", "Open the operator page in a browser")
	mAbout := systray.AddMenuItem("About", "About Kanban Agent")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit Kanban Agent")

	t.unsubscribe = t.station.Subscribe(t.handleEvent)

	go func() {
		defer logging.RecoverAndLog("tray menu", false)
		for {
			select {
			case <-t.mRead.ClickedCh:
				go t.readCard()
			case <-mReconnect.ClickedCh:
				go t.station.ConnectReader()
			case <-mOpenUI.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/", t.serverAddr))
			case <-mAbout.ClickedCh:
				go welcome.ShowAbout(t.serverAddr, versionLabel(api.Version))
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

// readCard runs a read from the menu; the result arrives as an event.
func (t *TrayApp) readCard() {
	t.mRead.Disable()
	defer t.mRead.Enable()
	t.station.ReadKanban(context.Background())
}

// handleEvent keeps the menu in step with station activity.
func (t *TrayApp) handleEvent(ev kanban.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mStatus != nil {
		t.mStatus.SetTitle(statusLabel(t.station.Status()))
	}
	if t.mLastCard != nil && isCardEvent(ev.Op) {
		t.mLastCard.SetTitle(lastCardLabel(ev))
	}
}

func (t *TrayApp) onExit() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to open browser", map[string]any{
			"url":   url,
			"error": err.Error(),
		})
	}
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
