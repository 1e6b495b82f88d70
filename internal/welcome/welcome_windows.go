//go:build windows

package welcome

import "golang.org/x/sys/windows"

const (
	mbOK           = 0x00000000
	mbYesNo        = 0x00000004
	mbIconQuestion = 0x00000020
	mbIconInfo     = 0x00000040
	idYes          = 6
)

// ShowWelcome displays the first-run dialog.
func ShowWelcome(addr string) {
	messageBox(welcomeMessage(addr), mbOK|mbIconInfo)
}

// ShowAbout displays the about dialog.
func ShowAbout(addr, version string) {
	messageBox(aboutMessage(addr, version), mbOK|mbIconInfo)
}

// PromptAutostart asks whether to start with the session.
func PromptAutostart() bool {
	return messageBox(autostartPromptMessage, mbYesNo|mbIconQuestion) == idYes
}

// PromptCrashReporting asks whether to enable crash reports.
func PromptCrashReporting() bool {
	return messageBox(crashReportingPromptMessage, mbYesNo|mbIconQuestion) == idYes
}

func messageBox(message string, flags uint32) int32 {
	titlePtr, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return 0
	}
	messagePtr, err := windows.UTF16PtrFromString(message)
	if err != nil {
		return 0
	}
	ret, _ := windows.MessageBox(0, messagePtr, titlePtr, flags)
	return ret
}
