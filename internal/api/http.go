package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/cwt-line/kanban-agent/internal/core"
	"github.com/cwt-line/kanban-agent/internal/kanban"
	"github.com/cwt-line/kanban-agent/internal/logging"
	"github.com/cwt-line/kanban-agent/internal/service"
	"github.com/cwt-line/kanban-agent/internal/settings"
	"github.com/cwt-line/kanban-agent/internal/updater"
	"github.com/cwt-line/kanban-agent/internal/web"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// maxBodySize caps request bodies; kanban requests are tiny.
const maxBodySize = 4 * 1024

// station is the kanban station all card routes drive.
var station *kanban.Station

// shutdownHandler is called when a shutdown is requested via API
var shutdownHandler func()

// updateChecker handles checking for updates from GitHub
var updateChecker *updater.Checker

// newService is swapped in tests.
var newService = service.New

// SetStation sets the station used by the card routes and the WebSocket hub.
func SetStation(s *kanban.Station) {
	station = s
}

// SetShutdownHandler sets the callback for shutdown requests
func SetShutdownHandler(handler func()) {
	shutdownHandler = handler
}

// InitUpdateChecker initializes the update checker with the current version
func InitUpdateChecker() {
	updateChecker = updater.NewChecker(Version)
}

// NewMux constructs and returns the HTTP mux for the API.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Serve embedded operator page at root
	mux.Handle("/", web.Handler())

	mux.HandleFunc("/v1/reader", corsMiddleware(handleReaderStatus))
	mux.HandleFunc("/v1/reader/connect", corsMiddleware(handleConnectReader))
	mux.HandleFunc("/v1/readers", corsMiddleware(handleListReaders))
	mux.HandleFunc("/v1/kanban", corsMiddleware(handleKanban))
	mux.HandleFunc("/v1/kanban/bypass", corsMiddleware(handleBypass))
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(handleShutdown))
	mux.HandleFunc("/v1/autostart", corsMiddleware(handleAutostart))
	mux.HandleFunc("/v1/updates", corsMiddleware(handleUpdates))
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				logging.CapturePanic(rec, stack, context)

				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, rec, string(stack))

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

// requireStation answers 503 when no station has been configured.
func requireStation(w http.ResponseWriter) bool {
	if station == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "kanban station not available",
		})
		return false
	}
	return true
}

func handleReaderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if !requireStation(w) {
		return
	}
	respondJSON(w, http.StatusOK, station.Status())
}

func handleConnectReader(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if !requireStation(w) {
		return
	}
	respondResult(w, station.ConnectReader())
}

func handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if !requireStation(w) {
		return
	}
	respondJSON(w, http.StatusOK, station.Readers())
}

// writeRequest is the body of POST /v1/kanban.
type writeRequest struct {
	Thread1 string `json:"thread1"`
	Thread2 string `json:"thread2"`
}

// confirmRequest is the body of destructive routes.
type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

func handleKanban(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !requireStation(w) {
			return
		}
		respondResult(w, station.ReadKanban(r.Context()))

	case http.MethodPost:
		var req writeRequest
		if err := decodeBody(r, &req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}
		thread1 := strings.TrimSpace(req.Thread1)
		thread2 := strings.TrimSpace(req.Thread2)
		if thread1 == "" || thread2 == "" {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "both thread1 and thread2 are required",
			})
			return
		}
		if !requireStation(w) {
			return
		}
		logging.Info(logging.CatHTTP, "Kanban write requested", map[string]any{
			"thread1": thread1,
			"thread2": thread2,
		})
		respondResult(w, station.WriteKanban(r.Context(), thread1, thread2))

	case http.MethodDelete:
		if !confirmed(w, r, "clearing a card requires confirm: true") {
			return
		}
		if !requireStation(w) {
			return
		}
		logging.Info(logging.CatHTTP, "Card clear requested", nil)
		respondResult(w, station.ClearCard(r.Context()))

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleBypass(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if !confirmed(w, r, "writing a bypass card requires confirm: true") {
		return
	}
	if !requireStation(w) {
		return
	}
	logging.Info(logging.CatHTTP, "Bypass write requested", nil)
	respondResult(w, station.WriteBypass(r.Context()))
}

// confirmed decodes a confirmRequest and answers 400 unless confirm is set.
func confirmed(w http.ResponseWriter, r *http.Request, msg string) bool {
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return false
	}
	if !req.Confirm {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": msg,
		})
		return false
	}
	return true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

// respondResult writes a station result with a status code derived from
// its error kind.
func respondResult(w http.ResponseWriter, res kanban.Result) {
	respondJSON(w, statusForKind(res.Kind), res)
}

func statusForKind(kind core.Kind) int {
	switch kind {
	case core.KindNone:
		return http.StatusOK
	case core.KindFieldTooLong, core.KindInvalidField, core.KindInvalidPayloadSize, core.KindInvalidBlock:
		return http.StatusBadRequest
	case core.KindNoCardDetected, core.KindTimeout, core.KindCancelled:
		return http.StatusRequestTimeout
	case core.KindNoCardConnected:
		return http.StatusConflict
	case core.KindNoReaderFound:
		return http.StatusServiceUnavailable
	case core.KindVerificationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	}

	// Cached update info only; never blocks on GitHub
	if updateChecker != nil {
		if info := updateChecker.Cached(); info != nil {
			response["updateAvailable"] = info.Available
			if info.LatestVersion != "" {
				response["latestVersion"] = info.LatestVersion
			}
			if info.ReleaseURL != "" {
				response["releaseUrl"] = info.ReleaseURL
			}
		}
	}

	respondJSON(w, http.StatusOK, response)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status":      "ok",
		"readerCount": 0,
	}
	if station != nil {
		st := station.Status()
		response["readerCount"] = len(station.Readers())
		response["state"] = st.State
		response["reader"] = st.Reader
	}
	respondJSON(w, http.StatusOK, response)
}

func handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if shutdownHandler == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go shutdownHandler()
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func handleAutostart(w http.ResponseWriter, r *http.Request) {
	svc := newService()

	switch r.Method {
	case http.MethodGet:
		installed := svc.IsInstalled()
		status, _ := svc.Status()

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": installed,
			"status":  status,
		})

	case http.MethodPost:
		if svc.IsInstalled() {
			respondJSON(w, http.StatusOK, map[string]string{
				"success": "auto-start already enabled",
			})
			return
		}

		if err := svc.Install(); err != nil {
			logging.Error(logging.CatSystem, "Failed to enable auto-start", map[string]any{
				"error": err.Error(),
			})
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
			return
		}

		logging.Info(logging.CatSystem, "Auto-start enabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "auto-start enabled",
		})

	case http.MethodDelete:
		if !svc.IsInstalled() {
			respondJSON(w, http.StatusOK, map[string]string{
				"success": "auto-start already disabled",
			})
			return
		}

		if err := svc.Uninstall(); err != nil {
			logging.Error(logging.CatSystem, "Failed to disable auto-start", map[string]any{
				"error": err.Error(),
			})
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
			return
		}

		logging.Info(logging.CatSystem, "Auto-start disabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "auto-start disabled",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = min(l, 1000)
			}
		}

		var minLevel *logging.Level
		if levelStr := query.Get("level"); levelStr != "" {
			if l, ok := logging.ParseLevel(levelStr); ok {
				minLevel = &l
			}
		}

		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": logging.Get().GetEntries(limit, minLevel, category),
			"stats":   logging.Get().Stats(),
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 100)
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings handles GET and POST requests for user settings.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settings.Get())

	case http.MethodPost:
		var req struct {
			CrashReporting  *bool   `json:"crashReporting"`
			PreferredReader *string `json:"preferredReader"`
		}
		if err := decodeBody(r, &req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		err := settings.Update(func(s *settings.Settings) {
			if req.CrashReporting != nil {
				s.CrashReporting = *req.CrashReporting
			}
			if req.PreferredReader != nil {
				s.PreferredReader = strings.TrimSpace(*req.PreferredReader)
			}
		})
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save settings: " + err.Error(),
			})
			return
		}

		s := settings.Get()
		if req.PreferredReader != nil && station != nil {
			station.SetPreferredReader(s.PreferredReader)
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting":  s.CrashReporting,
			"preferredReader": s.PreferredReader,
			"message":         "Settings updated. Reconnect the reader or restart for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// handleUpdates checks for available updates from GitHub releases
func handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if updateChecker == nil {
		InitUpdateChecker()
	}

	forceRefresh := r.URL.Query().Get("refresh") == "true"
	respondJSON(w, http.StatusOK, updateChecker.Check(forceRefresh))
}
