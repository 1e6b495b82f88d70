package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cwt-line/kanban-agent/internal/api"
	"github.com/cwt-line/kanban-agent/internal/config"
	"github.com/cwt-line/kanban-agent/internal/core"
	"github.com/cwt-line/kanban-agent/internal/core/cardsim"
	"github.com/cwt-line/kanban-agent/internal/kanban"
	"github.com/cwt-line/kanban-agent/internal/logging"
	"github.com/cwt-line/kanban-agent/internal/mqtt"
	"github.com/cwt-line/kanban-agent/internal/service"
	"github.com/cwt-line/kanban-agent/internal/settings"
	"github.com/cwt-line/kanban-agent/internal/tray"
	"github.com/cwt-line/kanban-agent/internal/welcome"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.DefaultPath()+")")
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	noTrayFlag := flag.Bool("no-tray", false, "Run without system tray (headless mode)")
	simulateFlag := flag.Bool("simulate", false, "Use a simulated ACR122U with a blank card instead of PC/SC")
	yesFlag := flag.Bool("yes", false, "Do not ask for confirmation before bypass and clear")
	verboseFlag := flag.Bool("v", false, "Print log output for one-shot commands")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Kanban Agent - kanban card station for the ACR122U reader\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  kanban-agent [flags] [command]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  serve                    Run the HTTP/WebSocket API (default)\n")
		fmt.Fprintf(os.Stderr, "  read                     Read the card on the reader\n")
		fmt.Fprintf(os.Stderr, "  write <thread1> <thread2> Write and verify a kanban card\n")
		fmt.Fprintf(os.Stderr, "  bypass                   Write a bypass card\n")
		fmt.Fprintf(os.Stderr, "  clear                    Erase both thread codes\n")
		fmt.Fprintf(os.Stderr, "  readers                  List attached readers\n")
		fmt.Fprintf(os.Stderr, "  install                  Install auto-start\n")
		fmt.Fprintf(os.Stderr, "  uninstall                Remove auto-start\n")
		fmt.Fprintf(os.Stderr, "  version                  Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  KANBAN_AGENT_PORT       Port to listen on (default: %d)\n", config.DefaultPort)
		fmt.Fprintf(os.Stderr, "  KANBAN_AGENT_HOST       Host to bind to (default: %s)\n", config.DefaultHost)
		fmt.Fprintf(os.Stderr, "  KANBAN_AGENT_READER     Reader name filter (default: %s)\n", core.DefaultReaderFilter)
		fmt.Fprintf(os.Stderr, "  KANBAN_AGENT_MQTT_HOST  MQTT broker host (default: disabled)\n")
		fmt.Fprintf(os.Stderr, "  KANBAN_AGENT_LOG_LEVEL  debug, info, warn or error\n")
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "version":
		printVersion()
		return
	case "install":
		if err := service.New().Install(); err != nil {
			log.Fatalf("Failed to install auto-start: %v", err)
		}
		fmt.Println("Auto-start installed successfully")
		return
	case "uninstall":
		if err := service.New().Uninstall(); err != nil {
			log.Fatalf("Failed to remove auto-start: %v", err)
		}
		fmt.Println("Auto-start removed successfully")
		return
	case "serve", "read", "write", "bypass", "clear", "readers":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(exitUsage)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitUsage)
	}

	initLogging(cfg)
	if _, err := settings.Load(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}
	logging.InitSentry(api.Version, logging.SentryOptions{
		Enabled:     settings.IsCrashReportingEnabled(),
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
	})
	defer logging.FlushSentry(2 * time.Second)

	st := newStation(cfg, *simulateFlag)

	if cmd == "serve" {
		serve(cfg, st, *noTrayFlag)
		return
	}

	if !*verboseFlag {
		logging.Get().SetEcho(false)
	}
	var p prompter = termPrompter{in: os.Stdin, out: os.Stdout}
	if *yesFlag {
		p = autoYes{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runOneShot(ctx, st, cmd, args, p, os.Stdout)
	stop()
	st.Close()
	logging.FlushSentry(2 * time.Second)
	os.Exit(code)
}

func printVersion() {
	fmt.Printf("kanban-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

func initLogging(cfg *config.Config) {
	level, _ := logging.ParseLevel(cfg.Log.Level)
	logging.Init(cfg.Log.MaxEntries, level)
}

// newStation builds the station over PC/SC, or over a simulated reader
// holding one blank card.
func newStation(cfg *config.Config, simulate bool) *kanban.Station {
	opts := kanban.Options{
		ReaderFilter:    cfg.Reader.NameFilter,
		PreferredReader: settings.Get().PreferredReader,
		CardTimeout:     cfg.Reader.CardTimeout,
		SessionTimeout:  cfg.Reader.SessionTimeout,
		PollInterval:    cfg.Reader.PollInterval,
	}
	if simulate {
		r := cardsim.NewReader()
		r.Insert(cardsim.NewCard("932bae0e"))
		opts.Factory = r
		logging.Warn(logging.CatReader, "Using simulated reader", map[string]any{
			"reader": r.Name(),
		})
	}
	return kanban.NewStation(opts)
}

func serve(cfg *config.Config, st *kanban.Station, headless bool) {
	logging.Info(logging.CatSystem, "Kanban Agent starting", map[string]any{
		"version": api.Version,
	})

	if res := st.ConnectReader(); !res.OK {
		logging.Warn(logging.CatReader, "No reader at startup, will retry on first card operation", map[string]any{
			"error": res.Message,
		})
	}

	mqttClient, err := mqtt.New(cfg.MQTT)
	if err != nil {
		logging.Error(logging.CatMQTT, "MQTT disabled", map[string]any{
			"error": err.Error(),
		})
	} else if mqttClient.IsEnabled() {
		mqttClient.Connect()
		st.Subscribe(mqttClient.PublishEvent)
	}

	api.SetStation(st)
	api.InitUpdateChecker()

	mux := api.NewMux()
	mux.HandleFunc("/v1/ws", api.InitWebSocket())

	addr := cfg.Address()
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			log.Println("Shutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
			st.Close()
			if mqttClient != nil {
				mqttClient.Disconnect()
			}
			logging.FlushSentry(2 * time.Second)
			os.Exit(0)
		})
	}
	api.SetShutdownHandler(shutdown)

	startServer := func() {
		defer logging.RecoverAndLog("HTTP server", true)
		log.Printf("kanban-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}

	useTray := !headless && tray.IsSupported()
	if useTray {
		log.Println("Starting with system tray...")

		if welcome.IsFirstRun() {
			go firstRun(addr)
		}

		// Blocks on the main thread until quit (required on macOS)
		tray.New(addr, st, shutdown).RunWithServer(startServer)
		return
	}

	if headless {
		log.Println("Running in headless mode (no system tray)")
	} else {
		log.Println("System tray not supported on this platform, running headless")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		shutdown()
	}()

	startServer()
}

// firstRun shows the welcome dialog and asks for the opt-in settings.
func firstRun(addr string) {
	defer logging.RecoverAndLog("first run", false)

	welcome.ShowWelcome(addr)
	if welcome.PromptCrashReporting() {
		if err := settings.SetCrashReporting(true); err != nil {
			logging.Warn(logging.CatSystem, "Failed to save crash reporting setting", map[string]any{
				"error": err.Error(),
			})
		}
	}
	if welcome.PromptAutostart() {
		if err := service.New().Install(); err != nil && !errors.Is(err, service.ErrAlreadyInstalled) {
			logging.Warn(logging.CatSystem, "Failed to enable auto-start", map[string]any{
				"error": err.Error(),
			})
		}
	}
	_ = welcome.MarkAsShown()
}
