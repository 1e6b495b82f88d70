package tray

import (
	"fmt"
	"strings"

	"github.com/cwt-line/kanban-agent/internal/kanban"
)

// versionLabel adds a "v" prefix to release versions but not to dev builds.
func versionLabel(version string) string {
	if version != "" && version[0] >= '0' && version[0] <= '9' {
		return "v" + version
	}
	return version
}

// statusLabel describes the reader for the disabled status item.
func statusLabel(st kanban.Status) string {
	switch {
	case st.Reader == "":
		return "Reader: none connected"
	case st.Degraded:
		return fmt.Sprintf("Reader: %s (fallback)", shorten(st.Reader, 40))
	default:
		return fmt.Sprintf("Reader: %s", shorten(st.Reader, 40))
	}
}

// lastCardLabel summarizes the latest card event.
func lastCardLabel(ev kanban.Event) string {
	res := ev.Result
	if !res.OK {
		return "Last: " + shorten(res.Message, 48)
	}
	switch ev.Op {
	case kanban.OpReadKanban:
		if res.Bypass {
			return "Last card: BYPASS"
		}
		if res.Thread1 == "" && res.Thread2 == "" {
			return "Last card: empty"
		}
		return fmt.Sprintf("Last card: %s / %s", orDash(res.Thread1), orDash(res.Thread2))
	case kanban.OpWriteKanban:
		return fmt.Sprintf("Written: %s / %s", res.Thread1, res.Thread2)
	case kanban.OpWriteBypass:
		return "Written: BYPASS"
	case kanban.OpClearCard:
		return "Card cleared"
	default:
		return "Last: " + shorten(res.Message, 48)
	}
}

// isCardEvent reports whether ev should update the last card item.
func isCardEvent(op string) bool {
	switch op {
	case kanban.OpReadKanban, kanban.OpWriteKanban, kanban.OpWriteBypass, kanban.OpClearCard:
		return true
	}
	return false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shorten(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
