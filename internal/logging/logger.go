package logging

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the level by name in JSON.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel converts a level name to a Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Category groups entries by subsystem.
type Category string

const (
	CatCard      Category = "card"
	CatReader    Category = "reader"
	CatKanban    Category = "kanban"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatMQTT      Category = "mqtt"
	CatSystem    Category = "system"
)

// Entry is a single log record.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// Logger keeps the most recent entries in a ring buffer.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level
	echo     bool
	counts   map[Level]int
}

// Stats summarizes what the logger has seen since the last Clear.
type Stats struct {
	Capacity int            `json:"capacity"`
	Stored   int            `json:"stored"`
	ByLevel  map[string]int `json:"byLevel"`
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// Init replaces the global logger. Entries below minLevel are dropped.
func Init(maxEntries int, minLevel Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = New(maxEntries, minLevel)
}

// New creates a logger holding up to maxEntries entries that echoes
// every accepted entry to the standard logger.
func New(maxEntries int, minLevel Level) *Logger {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Logger{
		entries:  make([]Entry, maxEntries),
		minLevel: minLevel,
		echo:     true,
		counts:   make(map[Level]int),
	}
}

// Get returns the global logger, creating a default one on first use.
func Get() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(1000, LevelInfo)
	}
	return global
}

// SetEcho controls mirroring of entries to the standard logger.
func (l *Logger) SetEcho(echo bool) {
	l.mu.Lock()
	l.echo = echo
	l.mu.Unlock()
}

// Log records an entry.
func (l *Logger) Log(level Level, cat Category, msg string, data map[string]any) {
	if level < l.minLevel {
		return
	}
	e := Entry{
		Time:     time.Now(),
		Level:    level,
		Category: cat,
		Message:  msg,
		Data:     data,
	}

	l.mu.Lock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.counts[level]++
	echo := l.echo
	l.mu.Unlock()

	if echo {
		log.Printf("[%s] [%s] %s%s", strings.ToUpper(level.String()), cat, msg, formatData(data))
	}
}

// GetEntries returns up to limit of the newest entries, oldest first,
// optionally filtered by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ordered := l.orderedLocked()
	out := make([]Entry, 0, len(ordered))
	for _, e := range ordered {
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats reports buffer usage and per-level counts.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byLevel := make(map[string]int, len(l.counts))
	for level, n := range l.counts {
		byLevel[level.String()] = n
	}
	stored := l.next
	if l.full {
		stored = len(l.entries)
	}
	return Stats{
		Capacity: len(l.entries),
		Stored:   stored,
		ByLevel:  byLevel,
	}
}

// Clear drops all entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		l.entries[i] = Entry{}
	}
	l.next = 0
	l.full = false
	l.counts = make(map[Level]int)
}

func (l *Logger) orderedLocked() []Entry {
	if !l.full {
		return append([]Entry(nil), l.entries[:l.next]...)
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, data[k])
	}
	return b.String()
}

// Debug logs at debug level on the global logger.
func Debug(cat Category, msg string, data map[string]any) {
	Get().Log(LevelDebug, cat, msg, data)
}

// Info logs at info level on the global logger.
func Info(cat Category, msg string, data map[string]any) {
	Get().Log(LevelInfo, cat, msg, data)
}

// Warn logs at warn level on the global logger.
func Warn(cat Category, msg string, data map[string]any) {
	Get().Log(LevelWarn, cat, msg, data)
}

// Error logs at error level on the global logger.
func Error(cat Category, msg string, data map[string]any) {
	Get().Log(LevelError, cat, msg, data)
}
