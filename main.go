// sync-menu publishes an application's synchronization status to the sync
// indicator over D-Bus, and can stand in for the indicator to watch sources.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/nikicat/sync-menu/internal/api"
	"github.com/nikicat/sync-menu/internal/cli"
	"github.com/nikicat/sync-menu/internal/config"
	"github.com/nikicat/sync-menu/internal/indicator"
	"github.com/nikicat/sync-menu/internal/logging"
	"github.com/nikicat/sync-menu/internal/menu"
	"github.com/nikicat/sync-menu/internal/notification"
	"github.com/nikicat/sync-menu/internal/sdnotify"
	"github.com/nikicat/sync-menu/internal/service"
	"github.com/nikicat/sync-menu/internal/statefile"
	"github.com/nikicat/sync-menu/internal/syncapp"
	"github.com/nikicat/sync-menu/internal/syncpath"
)

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "publish":
		runPublish(os.Args[2:])
	case "monitor":
		runMonitor(os.Args[2:])
	case "sources", "status", "log", "watch", "pause", "resume":
		runCLI(os.Args[1], os.Args[2:])
	case "path":
		runPath(os.Args[2:])
	case "service":
		runService(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  publish       Publish a sync source to the indicator
  monitor       Act as the indicator and serve the status API
  sources       List sources known to the monitor
  status        Show monitor status
  log           Show recent source events
  watch         Stream source events
  pause         Pause a source
  resume        Resume a source
  path          Print the object path for a desktop id
  service       Manage the systemd user services

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM. SIGHUP is
// delivered on hup when it is non-nil.
func signalContext(hup chan<- struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigCh)
				return
			case sig := <-sigCh:
				if sig == unix.SIGHUP {
					if hup != nil {
						select {
						case hup <- struct{}{}:
						default:
						}
					}
					continue
				}
				slog.Info("received signal, shutting down", "signal", sig)
				cancel()
			}
		}
	}()
	return ctx, cancel
}

func setupLogging(cfg *config.Config, fs *flag.FlagSet, level, format *string) {
	set := setFlags(fs)
	if !set["log-level"] && cfg.LogLevel != "" {
		*level = cfg.LogLevel
	}
	if !set["log-format"] && cfg.LogFormat != "" {
		*format = cfg.LogFormat
	}
	if _, err := logging.Setup(*level, *format); err != nil {
		fatalf("%v", err)
	}
}

func dialBus(address string) (*dbus.Conn, error) {
	if address == "" {
		return dbus.SessionBus()
	}
	return dbus.Connect(address)
}

func runPublish(args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/sync-menu/config.yaml)")
	desktopID := fs.String("desktop-id", "", "Desktop id of the application (e.g. mail.desktop)")
	busAddress := fs.String("bus-address", "", "D-Bus address (default: session bus)")
	stateFile := fs.String("state-file", "", "YAML state file to follow")
	stateName := fs.String("state", "idle", "Initial state: idle, syncing, error")
	paused := fs.Bool("paused", false, "Start paused")
	menuPath := fs.String("menu-path", "", "Object path of the application's menu")
	serveMenu := fs.Bool("serve-menu", false, "Export a placeholder menu object at --menu-path")
	connectWait := fs.Duration("connect-wait", config.DefaultConnectWait, "How long to wait for the bus before giving up")
	logLevel := fs.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", config.DefaultLogFormat, "Log format: text (colored) or json")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	set := setFlags(fs)
	if !set["desktop-id"] && cfg.Publish.DesktopID != "" {
		*desktopID = cfg.Publish.DesktopID
	}
	if !set["bus-address"] && cfg.Publish.BusAddress != "" {
		*busAddress = cfg.Publish.BusAddress
	}
	if !set["state-file"] && cfg.Publish.StateFile != "" {
		*stateFile = cfg.Publish.StateFile
	}
	if !set["menu-path"] && cfg.Publish.MenuPath != "" {
		*menuPath = cfg.Publish.MenuPath
	}
	if !set["connect-wait"] && cfg.Publish.ConnectWait != 0 {
		*connectWait = time.Duration(cfg.Publish.ConnectWait)
	}
	setupLogging(cfg, fs, logLevel, logFormat)

	if *desktopID == "" && fs.NArg() > 0 {
		*desktopID = fs.Arg(0)
	}
	if *desktopID == "" {
		fatalf("--desktop-id is required")
	}
	initial, err := syncapp.ParseState(*stateName)
	if err != nil {
		fatalf("%v", err)
	}

	opts := []syncapp.Option{syncapp.WithLogger(slog.Default())}

	// A served menu must live on the same connection as the source.
	var menuServer *menu.Server
	if *serveMenu {
		conn, err := dialBus(*busAddress)
		if err != nil {
			fatalf("connect to D-Bus: %v", err)
		}
		menuServer, err = menu.NewServer(conn, dbus.ObjectPath(*menuPath))
		if err != nil {
			fatalf("%v", err)
		}
		defer menuServer.Close()
		opts = append(opts, syncapp.WithDialer(func(context.Context) (*dbus.Conn, error) {
			return conn, nil
		}, true))
		if *busAddress != "" {
			defer conn.Close()
		}
	} else if *busAddress != "" {
		opts = append(opts, syncapp.WithBusAddress(*busAddress))
	}

	app, err := syncapp.New(*desktopID, opts...)
	if err != nil {
		fatalf("%v", err)
	}
	defer app.Close()

	app.SetState(initial)
	app.SetPaused(*paused)
	switch {
	case menuServer != nil:
		app.SetMenu(menuServer)
	case *menuPath != "":
		if !dbus.ObjectPath(*menuPath).IsValid() {
			fatalf("invalid menu path %q", *menuPath)
		}
		app.SetMenu(menu.NewStatic(dbus.ObjectPath(*menuPath)))
	}

	hup := make(chan struct{}, 1)
	ctx, cancel := signalContext(hup)
	defer cancel()

	if *stateFile != "" {
		fp := &filePublisher{app: app, path: *stateFile, served: menuServer}
		app.Subscribe(fp)

		w, err := statefile.NewWatcher(*stateFile, slog.Default())
		if err != nil {
			fatalf("%v", err)
		}
		go func() {
			if err := w.Run(ctx, fp.apply); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("state file watcher stopped", "error", err)
			}
		}()
		go func() {
			for range hup {
				st, err := statefile.Load(*stateFile)
				if err != nil {
					slog.Warn("reload state file", "error", err)
					continue
				}
				fp.apply(st)
			}
		}()
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, *connectWait)
	err = app.Wait(waitCtx)
	waitCancel()
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		fatalf("publish %s: %v", *desktopID, err)
	}

	slog.Info("source published", "desktop_id", *desktopID, "path", string(app.ObjectPath()), "menu", string(app.MenuPath()))
	sdnotify.Status("published " + string(app.ObjectPath()))
	sdnotify.Ready()

	<-ctx.Done()
	sdnotify.Stopping()
}

// filePublisher mirrors a state file onto an App and writes a remote
// Paused change back to the file.
type filePublisher struct {
	app    *syncapp.App
	path   string
	served *menu.Server
}

func (p *filePublisher) apply(st statefile.Status) {
	p.app.SetState(st.State)
	p.app.SetPaused(st.Paused)
	if st.MenuPath == "" {
		return
	}
	path := dbus.ObjectPath(st.MenuPath)
	if p.served != nil {
		if err := p.served.Move(path); err != nil {
			slog.Warn("move menu", "path", st.MenuPath, "error", err)
		}
		return
	}
	if p.app.MenuPath() != path {
		p.app.SetMenu(menu.NewStatic(path))
	}
}

// OnPropertyChanged implements syncapp.Observer.
func (p *filePublisher) OnPropertyChanged(app *syncapp.App, prop syncapp.Property) {
	if prop != syncapp.PropertyPaused {
		return
	}
	st, err := statefile.Load(p.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("read state file", "error", err)
		return
	}
	if st.Paused == app.Paused() {
		return
	}
	st.Paused = app.Paused()
	if err := statefile.Save(p.path, st); err != nil {
		slog.Warn("write state file", "error", err)
	}
}

func runMonitor(args []string) {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/sync-menu/config.yaml)")
	busAddress := fs.String("bus-address", "", "D-Bus address (default: session bus)")
	listenAddr := fs.String("listen", config.DefaultListenAddr, "HTTP API listen address")
	stateDirFlag := fs.String("state-dir", "", "State directory (default: $XDG_STATE_HOME/sync-menu)")
	historyLimit := fs.Int("history-limit", config.DefaultHistoryLimit, "Number of source events to keep")
	notifications := fs.Bool("notifications", true, "Show a desktop notification when a source fails")
	logLevel := fs.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", config.DefaultLogFormat, "Log format: text (colored) or json")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	set := setFlags(fs)
	if !set["bus-address"] && cfg.Monitor.BusAddress != "" {
		*busAddress = cfg.Monitor.BusAddress
	}
	if !set["listen"] && cfg.Listen != "" {
		*listenAddr = cfg.Listen
	}
	if !set["state-dir"] && cfg.StateDir != "" {
		*stateDirFlag = cfg.StateDir
	}
	if !set["history-limit"] && cfg.Monitor.HistoryLimit != 0 {
		*historyLimit = cfg.Monitor.HistoryLimit
	}
	if !set["notifications"] && cfg.Monitor.Notifications != nil {
		*notifications = *cfg.Monitor.Notifications
	}
	setupLogging(cfg, fs, logLevel, logFormat)

	stateDir := resolveStateDir(*stateDirFlag)

	conn, err := dialBus(*busAddress)
	if err != nil {
		fatalf("connect to D-Bus: %v", err)
	}
	if *busAddress != "" {
		defer conn.Close()
	}

	mon, err := indicator.NewMonitor(conn,
		indicator.WithLogger(slog.Default()),
		indicator.WithHistory(*historyLimit),
	)
	if err != nil {
		fatalf("%v", err)
	}
	defer mon.Close()
	mon.Subscribe(logging.NewSourceLog(slog.Default()))

	ctx, cancel := signalContext(nil)
	defer cancel()

	if *notifications {
		notifier, err := notification.NewDBusNotifier(nil)
		if err != nil {
			slog.Warn("failed to create desktop notifier, notifications disabled", "error", err)
		} else {
			defer notifier.Stop()
			handler := notification.NewHandler(notifier, mon)
			mon.Subscribe(handler)
			go handler.ListenActions(ctx, notifier.Actions())
			slog.Debug("desktop notifications enabled")
		}
	}

	auth, err := api.NewAuth(stateDir)
	if err != nil {
		fatalf("creating auth: %v", err)
	}
	apiServer, err := api.NewServer(*listenAddr, mon, auth)
	if err != nil {
		fatalf("creating API server: %v", err)
	}
	apiServer.Start()
	slog.Info("API server started",
		"url", "http://"+apiServer.Addr(),
		"cookie_file", apiServer.CookieFilePath())

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		apiServer.Shutdown(shutdownCtx)
	}()

	sdnotify.Ready()
	<-ctx.Done()
	sdnotify.Stopping()
}

func runCLI(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/sync-menu/config.yaml)")
	stateDirFlag := fs.String("state-dir", "", "State directory (default: $XDG_STATE_HOME/sync-menu)")
	serverAddr := fs.String("server", config.DefaultListenAddr, "API server address")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	set := setFlags(fs)
	if !set["state-dir"] && cfg.StateDir != "" {
		*stateDirFlag = cfg.StateDir
	}
	if !set["server"] && cfg.Listen != "" {
		*serverAddr = cfg.Listen
	}

	auth, err := api.LoadAuth(resolveStateDir(*stateDirFlag))
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error: %s monitor is not running (no cookie file found)\n", progName)
			fmt.Fprintf(os.Stderr, "Start it first with: %s monitor\n", progName)
		} else {
			fmt.Fprintf(os.Stderr, "error loading auth: %v\n", err)
		}
		os.Exit(1)
	}

	client := cli.NewClient(*serverAddr, auth.Token())
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	switch cmd {
	case "sources":
		sources, err := client.Sources()
		if err != nil {
			fatalf("%v", err)
		}
		formatter.FormatSources(sources)

	case "status":
		status, err := client.Status()
		if err != nil {
			fatalf("%v", err)
		}
		formatter.FormatStatus(status)

	case "log":
		entries, err := client.History()
		if err != nil {
			fatalf("%v", err)
		}
		formatter.FormatHistory(entries)

	case "watch":
		ctx, cancel := signalContext(nil)
		defer cancel()
		if err := client.Watch(ctx, func(msg cli.Message) { formatter.FormatMessage(msg) }); err != nil {
			fatalf("%v", err)
		}

	case "pause", "resume":
		if fs.NArg() < 1 {
			fmt.Fprintf(os.Stderr, "usage: %s %s <source>\n", progName, cmd)
			os.Exit(1)
		}
		var src *cli.Source
		if cmd == "pause" {
			src, err = client.Pause(fs.Arg(0))
		} else {
			src, err = client.Resume(fs.Arg(0))
		}
		if err != nil {
			fatalf("%v", err)
		}
		formatter.FormatAction(cmd+"d", src)
	}
}

func runPath(args []string) {
	fs := flag.NewFlagSet("path", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s path <desktop-id>\n", progName)
		os.Exit(1)
	}
	path, err := syncpath.Derive(fs.Arg(0))
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(path)
}

// runService handles the "service" subcommand group (install/uninstall/status).
func runService(args []string) {
	if len(args) == 0 {
		printServiceUsage()
		os.Exit(1)
	}
	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printServiceUsage()
		return
	}

	fs := flag.NewFlagSet("service "+args[0], flag.ExitOnError)
	unit := fs.String("unit", "monitor", "Unit to manage: monitor or publish")
	desktopID := fs.String("desktop-id", "", "Desktop id of the publish instance")
	configPath := fs.String("config", "", "Config file path to embed in the unit file")
	start := fs.Bool("start", false, "Start the service immediately after installing")
	fs.Parse(args[1:])

	opts := service.Options{
		DesktopID:  *desktopID,
		ConfigPath: *configPath,
		Start:      *start,
	}
	switch *unit {
	case "monitor":
		opts.Unit = service.MonitorUnit
	case "publish":
		opts.Unit = service.PublishUnit
	default:
		fatalf("unknown unit %q", *unit)
	}

	var err error
	switch args[0] {
	case "install":
		err = service.Install(opts)
	case "uninstall":
		err = service.Uninstall(opts)
	case "status":
		err = service.Status(opts)
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", args[0])
		printServiceUsage()
		os.Exit(1)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> [options]

Commands:
  install       Install and enable a systemd user service
  uninstall     Stop and disable a systemd user service
  status        Show the service status

Options:
  --unit        monitor (default) or publish
  --desktop-id  Desktop id of the publish instance
  --start       Start the service immediately after installing
  --config      Config file path to embed in the unit file's ExecStart
`, progName)
}

func resolveStateDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	dir, err := config.DefaultStateDir()
	if err != nil {
		fatalf("%v", err)
	}
	return dir
}

// loadConfig loads a config file. An explicit path that doesn't exist is an error.
// A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	var cfg *config.Config
	if explicitPath != "" {
		if _, statErr := os.Stat(explicitPath); statErr != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		var err error
		cfg, err = config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
	} else {
		defaultPath := config.DefaultPath()
		if defaultPath == "" {
			return &config.Config{}, nil
		}
		var err error
		cfg, err = config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", defaultPath, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg.WithDefaults(), nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
