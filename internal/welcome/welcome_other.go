//go:build !darwin && !windows

package welcome

// ShowWelcome is a no-op; these platforms run headless.
func ShowWelcome(addr string) {}

// ShowAbout is a no-op; these platforms run headless.
func ShowAbout(addr, version string) {}

// PromptAutostart always declines; use the install command instead.
func PromptAutostart() bool { return false }

// PromptCrashReporting always declines; use the settings route instead.
func PromptCrashReporting() bool { return false }
