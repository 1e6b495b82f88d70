//go:build darwin

package welcome

import (
	"os/exec"
	"strings"
)

// ShowWelcome displays the first-run dialog.
func ShowWelcome(addr string) {
	dialog(welcomeMessage(addr), `{"Got it!"}`)
}

// ShowAbout displays the about dialog.
func ShowAbout(addr, version string) {
	dialog(aboutMessage(addr, version), `{"OK"}`)
}

// PromptAutostart asks whether to start with the session.
func PromptAutostart() bool {
	return ask(autostartPromptMessage)
}

// PromptCrashReporting asks whether to enable crash reports.
func PromptCrashReporting() bool {
	return ask(crashReportingPromptMessage)
}

func dialog(msg, buttons string) {
	script := `display dialog "` + escapeAppleScript(msg) + `" with title "` + title + `" buttons ` + buttons + ` default button 1 with icon note`
	exec.Command("osascript", "-e", script).Run()
}

func ask(msg string) bool {
	script := `display dialog "` + escapeAppleScript(msg) + `" with title "` + title + `" buttons {"No", "Yes"} default button 2 with icon note`
	out, err := exec.Command("osascript", "-e", script).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "Yes")
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
