package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled bool

// SentryOptions controls crash reporting. Reporting is opt-in and needs a DSN.
type SentryOptions struct {
	Enabled     bool
	DSN         string
	Environment string
}

// InitSentry initializes Sentry for crash reporting.
// KANBAN_AGENT_SENTRY=1/0 overrides opts.Enabled, KANBAN_AGENT_SENTRY_DSN
// overrides opts.DSN and KANBAN_AGENT_ENVIRONMENT overrides the environment.
// Returns true if Sentry was successfully initialized.
func InitSentry(version string, opts SentryOptions) bool {
	switch os.Getenv("KANBAN_AGENT_SENTRY") {
	case "1":
		opts.Enabled = true
	case "0":
		opts.Enabled = false
	}
	if !opts.Enabled {
		return false
	}

	dsn := os.Getenv("KANBAN_AGENT_SENTRY_DSN")
	if dsn == "" {
		dsn = opts.DSN
	}
	if dsn == "" {
		Warn(CatSystem, "Crash reporting enabled but no Sentry DSN configured", nil)
		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "kanban-agent@" + version,
		Environment:      environment(opts.Environment),
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}

	sentryEnabled = true
	return true
}

func environment(configured string) string {
	if env := os.Getenv("KANBAN_AGENT_ENVIRONMENT"); env != "" {
		return env
	}
	if configured != "" {
		return configured
	}
	return "production"
}

// SentryEnabled returns whether Sentry is currently enabled.
func SentryEnabled() bool {
	return sentryEnabled
}

// FlushSentry flushes any buffered events to Sentry.
// Call this before application exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic sends a panic to Sentry along with the stack trace.
func CapturePanic(panicValue interface{}, stack []byte, context string) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", context)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		switch v := panicValue.(type) {
		case error:
			sentry.CaptureException(v)
		default:
			sentry.CaptureMessage(fmt.Sprintf("%v", v))
		}
	})

	// app may be about to exit
	sentry.Flush(2 * time.Second)
}

// CaptureError sends a failed card operation to Sentry, tagged with the
// operation name and the failure kind.
func CaptureError(err error, operation, kind string, data map[string]any) {
	if !sentryEnabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("operation", operation)
		scope.SetTag("error_kind", kind)
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}
