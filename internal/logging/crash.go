package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"
)

const (
	// MaxCrashLogs is the maximum number of crash logs to keep
	MaxCrashLogs = 20
	// CrashLogMaxAge is the maximum age of crash logs before cleanup
	CrashLogMaxAge = 30 * 24 * time.Hour // 30 days

	crashPrefix = "crash_"
	crashSuffix = ".log"
)

// CrashLogDir returns the directory for crash logs. KANBAN_AGENT_LOG_DIR
// overrides the platform default.
func CrashLogDir() string {
	if dir := os.Getenv("KANBAN_AGENT_LOG_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "Kanban-Agent")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData, _ = os.UserHomeDir()
		}
		return filepath.Join(appData, "Kanban-Agent", "logs")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "kanban-agent", "logs")
	}
}

// WriteCrashLog writes a crash report to a timestamped file in CrashLogDir
// and returns its path. Old reports are pruned in the background.
func WriteCrashLog(panicValue interface{}, stack []byte) (string, error) {
	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash log directory: %w", err)
	}

	now := time.Now()
	crashFilePath := filepath.Join(dir, crashPrefix+now.Format("2006-01-02_15-04-05")+crashSuffix)

	var b strings.Builder
	b.WriteString("Kanban Agent Crash Report\n")
	b.WriteString("=========================\n")
	fmt.Fprintf(&b, "Time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "OS/Arch: %s/%s\n\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Panic Value:\n%v\n\n", panicValue)
	fmt.Fprintf(&b, "Stack Trace:\n%s\n", stack)
	b.WriteString("Recent Log Entries:\n")
	for _, e := range Get().GetEntries(20, nil, nil) {
		fmt.Fprintf(&b, "%s [%s] [%s] %s%s\n", e.Time.Format(time.RFC3339), e.Level, e.Category, e.Message, formatData(e.Data))
	}
	fmt.Fprintf(&b, "\nBuild Info:\n%s\n", getBuildInfo())

	if err := os.WriteFile(crashFilePath, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write crash log: %w", err)
	}

	go cleanupOldCrashLogs()

	return crashFilePath, nil
}

func getBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "Build info not available"
	}
	return info.String()
}

// RecoverAndLog recovers from a panic, records it and optionally re-panics.
// Use as: defer logging.RecoverAndLog("context", true)
func RecoverAndLog(context string, rePanic bool) {
	if r := recover(); r != nil {
		handlePanic(context, r, rePanic, nil)
	}
}

// RecoverAndLogFunc is like RecoverAndLog but calls onPanic before optionally
// re-panicking.
func RecoverAndLogFunc(context string, rePanic bool, onPanic func(panicValue interface{}, crashFile string)) {
	if r := recover(); r != nil {
		handlePanic(context, r, rePanic, onPanic)
	}
}

func handlePanic(context string, r interface{}, rePanic bool, onPanic func(interface{}, string)) {
	stack := debug.Stack()

	CapturePanic(r, stack, context)

	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", context, r), map[string]any{
		"panic": fmt.Sprintf("%v", r),
	})

	crashFile, err := WriteCrashLog(r, stack)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
		crashFile = ""
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}

	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, r, string(stack))

	if onPanic != nil {
		onPanic(r, crashFile)
	}
	if rePanic {
		panic(r)
	}
}

// CrashLogInfo contains metadata about a crash log file.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// GetCrashLogs returns up to limit crash logs, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	dir := CrashLogDir()
	entries, err := listCrashLogs(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}

	logs := []CrashLogInfo{}
	for i := len(entries) - 1; i >= 0 && len(logs) < limit; i-- {
		info, err := entries[i].Info()
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    entries[i].Name(),
			Path:    filepath.Join(dir, entries[i].Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// ReadCrashLog reads the contents of a crash log file by bare name.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename || !isCrashLogName(filename) {
		return "", fmt.Errorf("invalid filename")
	}
	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// listCrashLogs returns crash_*.log entries sorted oldest first.
func listCrashLogs(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var logs []os.DirEntry
	for _, entry := range entries {
		if !entry.IsDir() && isCrashLogName(entry.Name()) {
			logs = append(logs, entry)
		}
	}
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].Name() < logs[j].Name()
	})
	return logs, nil
}

func isCrashLogName(name string) bool {
	return strings.HasPrefix(name, crashPrefix) && strings.HasSuffix(name, crashSuffix)
}

// cleanupOldCrashLogs keeps at most MaxCrashLogs files and removes any older
// than CrashLogMaxAge.
func cleanupOldCrashLogs() {
	dir := CrashLogDir()
	crashLogs, err := listCrashLogs(dir)
	if err != nil {
		return
	}

	now := time.Now()
	for i, entry := range crashLogs {
		shouldDelete := len(crashLogs)-i > MaxCrashLogs
		if info, err := entry.Info(); err == nil && now.Sub(info.ModTime()) > CrashLogMaxAge {
			shouldDelete = true
		}
		if shouldDelete {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
