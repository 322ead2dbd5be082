// modemwatchdog is the CLI front-end for the modem Health Supervisor. It
// wires together the process runner, telephony adapter, VoLTE controller
// and bounded action log behind a cobra command tree whose subcommands
// mirror the supervisor's exported operations one-for-one.
//
// Because the supervisor itself is an in-process ticking goroutine and
// every invocation of this binary is a separate process, only "start" runs
// it continuously; the other subcommands construct a fresh Supervisor,
// perform one operation against it (or against the on-disk action log
// directly), and exit. There is no IPC transport in scope for reaching a
// Supervisor already running in another process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/elkir0/homenichat-serv/watchdog/actionlog"
	"github.com/elkir0/homenichat-serv/watchdog/clock"
	"github.com/elkir0/homenichat-serv/watchdog/config"
	"github.com/elkir0/homenichat-serv/watchdog/events"
	"github.com/elkir0/homenichat-serv/watchdog/runner"
	"github.com/elkir0/homenichat-serv/watchdog/serial"
	"github.com/elkir0/homenichat-serv/watchdog/supervisor"
	"github.com/elkir0/homenichat-serv/watchdog/telephony"
	"github.com/elkir0/homenichat-serv/watchdog/volte"
)

var version = "dev"

var (
	showVersion bool

	dataDir       string
	serviceName   string
	checkInterval time.Duration
	cliPrefix     string
	cliTimeout    time.Duration

	logLevel  string
	jsonLogs  bool
	logFile   string

	modemSpecs  []string
	volteDevice string
	volteBaud   int
	volteTTL    time.Duration

	historyLimit int
	logsLimit    int
	logsClear    bool
	smsdbDir     string
)

var rootCmd = &cobra.Command{
	Use:   "modemwatchdog",
	Short: "Modem Health Supervisor: monitors and recovers telephony modems",
	Long: `modemwatchdog periodically polls each configured modem's status through
the telephony engine's control CLI, diagnoses problems in a fixed order of
severity, and escalates through progressively more disruptive corrective
actions (AT diagnostics, modem reset, driver reload, service restart, host
reboot) until health returns.

Configuration precedence (highest to lowest):
1. Command line flags
2. Environment variables (WATCHDOG_*, see the config package)
3. Built-in defaults

Running with no subcommand is equivalent to "start": it runs the supervisor
in the foreground until interrupted.

Modems are described with repeated --modem flags, one per modem, in the
form id:type:dataPort:volte:imsi:phone, e.g.:
  --modem "quectel0:ec25:/dev/ttyUSB3:true:001010000000001:+15551234567"`,
	RunE: runStart,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "show version and exit")

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory (env: WATCHDOG_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&serviceName, "service-name", "", "telephony engine's host service name (env: WATCHDOG_SERVICE_NAME)")
	rootCmd.PersistentFlags().DurationVar(&checkInterval, "check-interval", 0, "interval between health checks (env: WATCHDOG_CHECK_INTERVAL_MS)")
	rootCmd.PersistentFlags().StringVar(&cliPrefix, "cli-prefix", "asterisk -rx", "prefix used to issue commands to the telephony engine's control CLI")
	rootCmd.PersistentFlags().DurationVar(&cliTimeout, "cli-timeout", 5*time.Second, "timeout for each telephony CLI invocation")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of text")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write ambient logs to this file, rotated by lumberjack, instead of stderr (env: WATCHDOG_LOG_FILE)")

	rootCmd.PersistentFlags().StringArrayVar(&modemSpecs, "modem", nil, "id:type:dataPort:volte:imsi:phone, repeatable")
	rootCmd.PersistentFlags().StringVar(&volteDevice, "volte-port", "", "serial data port used for direct VoLTE AT queries; if unset, VoLTE status and activation are disabled")
	rootCmd.PersistentFlags().IntVar(&volteBaud, "volte-baud", 115200, "baud rate for --volte-port")
	rootCmd.PersistentFlags().DurationVar(&volteTTL, "volte-cache-ttl", 30*time.Second, "how long a VoLTE status read is reused before re-querying the modem")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of entries to return")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 50, "maximum number of entries to return")
	logsCmd.Flags().BoolVar(&logsClear, "clear", false, "delete the action log and its backups instead of reading them")
	cleanupSmsdbCmd.Flags().StringVar(&smsdbDir, "dir", "", "directory holding the SMS store to clean up (required)")

	rootCmd.AddCommand(startCmd, statusCmd, stopCmd, historyCmd, resetCmd, forceActionCmd, cleanupSmsdbCmd, logsCmd, reconfigureCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "run the supervisor in the foreground until interrupted",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("modemwatchdog %s\n", version)
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger()
	sup, err := buildSupervisor(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.WithField("modems", len(cfg.Modems)).Info("starting supervisor")
	sup.Start(ctx)
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping supervisor")
	sup.Stop()
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show supervisor configuration and recent action log stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sup, err := buildSupervisor(cfg, newLogger())
		if err != nil {
			return err
		}
		snap := sup.GetStatus()
		printJSON(snap)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop a running supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("modemwatchdog has no IPC transport to a supervisor running in another process.")
		fmt.Println("Send SIGINT or SIGTERM to the \"modemwatchdog start\" process directly.")
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "show recent dispatched actions from the in-memory ring",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := newActionLog(cfg)
		printJSON(log.Recent(historyLimit))
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <modemId>",
	Short: "clear a modem's escalation state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sup, err := buildSupervisor(cfg, newLogger())
		if err != nil {
			return err
		}
		sup.ResetEscalation(args[0])
		fmt.Printf("escalation state for %s reset\n", args[0])
		return nil
	},
}

var forceActionCmd = &cobra.Command{
	Use:   "force-action <modemId> <level>",
	Short: "immediately dispatch a level's action, bypassing cooldowns and gates",
	Long: `level is one of: soft, medium, hard, critical, maximum (case-insensitive),
or its numeric value 1-5.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLevel(args[1])
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sup, err := buildSupervisor(cfg, newLogger())
		if err != nil {
			return err
		}
		entry, err := sup.ForceAction(cmd.Context(), args[0], level)
		if err != nil {
			return err
		}
		printJSON(entry)
		return nil
	},
}

var cleanupSmsdbCmd = &cobra.Command{
	Use:   "cleanup-smsdb",
	Short: "delete SMS store files beyond the configured retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		if smsdbDir == "" {
			return fmt.Errorf("--dir is required")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sup, err := buildSupervisor(cfg, newLogger())
		if err != nil {
			return err
		}
		result, err := sup.CleanupSmsdb(smsdbDir)
		if err != nil {
			return err
		}
		printJSON(result)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "read, or clear, the on-disk action log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := newActionLog(cfg)
		if logsClear {
			if err := log.Clear(); err != nil {
				return err
			}
			fmt.Println("action log cleared")
			return nil
		}
		entries, err := log.ReadRecent(logsLimit)
		if err != nil {
			return err
		}
		printJSON(entries)
		return nil
	},
}

var reconfigureCmd = &cobra.Command{
	Use:   "reconfigure",
	Short: "print the effective configuration after applying flag/env overrides",
	Long: `There is no IPC transport to push this configuration to a running
supervisor; a long-lived process calls config.Merge followed by
Supervisor.Reconfigure directly on its own in-process instance. This
subcommand is useful for validating overrides before starting the
supervisor, or as the Go-level reference for what Reconfigure would apply.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		printJSON(cfg)
		return nil
	},
}

const (
	logFileMaxSizeMB  = 50
	logFileMaxBackups = 5
	logFileMaxAgeDays = 30
)

// newLogger builds the ambient logrus.FieldLogger every component is
// injected with. When a log file path is configured (--log-file, or
// WATCHDOG_LOG_FILE if the flag wasn't set), output is rotated through
// lumberjack instead of going to stderr; BAL's own on-disk action log
// keeps its separate, spec-mandated .1/.2 rotation regardless.
func newLogger() logrus.FieldLogger {
	logger := logrus.New()
	if jsonLogs {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if path := resolvedLogFile(); path != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
			MaxAge:     logFileMaxAgeDays,
			Compress:   true,
		})
	}
	return logger
}

func resolvedLogFile() string {
	if logFile != "" {
		return logFile
	}
	return os.Getenv("WATCHDOG_LOG_FILE")
}

// loadConfig loads defaults+env via config.Load, then applies any flags the
// caller explicitly set, following the explicit Changed() precedence the
// project's other CLI tools use.
func loadConfig(cmd *cobra.Command) (config.SupervisorConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("service-name") {
		cfg.ServiceName = serviceName
	}
	if flags.Changed("check-interval") {
		cfg.CheckInterval = checkInterval
	}
	if flags.Changed("modem") {
		modems, err := parseModemSpecs(modemSpecs)
		if err != nil {
			return cfg, err
		}
		cfg.Modems = modems
	}
	return cfg, nil
}

func parseModemSpecs(specs []string) ([]config.ModemConfig, error) {
	modems := make([]config.ModemConfig, 0, len(specs))
	for _, spec := range specs {
		fields := strings.Split(spec, ":")
		if len(fields) < 3 {
			return nil, fmt.Errorf("invalid --modem %q: want id:type:dataPort[:volte:imsi:phone]", spec)
		}
		mc := config.ModemConfig{ModemID: fields[0], ModemType: fields[1], DataPort: fields[2]}
		if len(fields) > 3 {
			volteEnabled, err := strconv.ParseBool(fields[3])
			if err != nil {
				return nil, fmt.Errorf("invalid --modem %q: volte field must be true/false", spec)
			}
			mc.VolteEnabled = volteEnabled
		}
		if len(fields) > 4 {
			mc.IMSI = fields[4]
		}
		if len(fields) > 5 {
			mc.PhoneNumber = fields[5]
		}
		modems = append(modems, mc)
	}
	return modems, nil
}

func parseLevel(s string) (config.Level, error) {
	switch strings.ToLower(s) {
	case "soft", "1":
		return config.LevelSoft, nil
	case "medium", "2":
		return config.LevelMedium, nil
	case "hard", "3":
		return config.LevelHard, nil
	case "critical", "4":
		return config.LevelCritical, nil
	case "maximum", "5":
		return config.LevelMaximum, nil
	default:
		return config.LevelNone, fmt.Errorf("unrecognized level %q", s)
	}
}

func newActionLog(cfg config.SupervisorConfig) *actionlog.Log {
	path := cfg.DataDir + "/watchdog.log"
	return actionlog.New(path, actionlog.DefaultMaxSizeBytes, actionlog.DefaultMaxMemoryEntries)
}

// buildSupervisor wires a Supervisor from cfg exactly as a long-lived
// deployment would: a real process runner, the telephony adapter over it,
// a VoLTE controller over the configured serial port (or a disabled stub
// if none is configured), and the on-disk action log.
func buildSupervisor(cfg config.SupervisorConfig, logger logrus.FieldLogger) (*supervisor.Supervisor, error) {
	r := runner.New(logger)
	rebootLogPath := cfg.DataDir + "/reboot-reasons.log"
	ta := telephony.New(r, cliPrefix, cliTimeout, rebootLogPath)

	vc, err := buildVolteController(cfg)
	if err != nil {
		return nil, err
	}

	log := newActionLog(cfg)
	bus := events.New()
	clk := clock.NewReal()

	return supervisor.New(cfg, clk, ta, vc, log, bus, logger), nil
}

func buildVolteController(cfg config.SupervisorConfig) (supervisor.VolteController, error) {
	needsVolte := false
	for _, m := range cfg.Modems {
		if m.VolteEnabled {
			needsVolte = true
		}
	}
	if !needsVolte || volteDevice == "" {
		return disabledVolteController{}, nil
	}

	port, err := serial.New(serial.WithPort(volteDevice), serial.WithBaud(volteBaud))
	if err != nil {
		return nil, fmt.Errorf("opening volte port %s: %w", volteDevice, err)
	}
	return volte.New(port, clock.NewReal(), volteTTL), nil
}

// disabledVolteController is used when no modem requests VoLTE or no VoLTE
// serial port was configured, so the supervisor always has a non-nil
// VolteController to call without touching a real modem.
type disabledVolteController struct{}

func (disabledVolteController) GetStatus(ctx context.Context, modemID string, forceRefresh bool) (volte.Status, error) {
	return volte.Status{}, fmt.Errorf("volte not configured")
}

func (disabledVolteController) Enable(ctx context.Context, modemID string) (volte.Status, error) {
	return volte.Status{}, fmt.Errorf("volte not configured")
}

func (disabledVolteController) Initialize(ctx context.Context, modemID string, volteEnabled bool, listDevices volte.ListDevicesFunc) volte.InitializeResult {
	return volte.InitializeResult{Success: false, Error: "volte not configured"}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
