// Package install implements the top-level installer (spec §4 intro,
// §6.3): composes the monitor registry, the crash-state tracker, the
// report rotation store, and the report writer into the single entry
// point an embedder calls once at process start.
//
// Grounded on netspy's cmd/root.go initConfig (viper-driven
// YAML-plus-env configuration) and main.go (defer/signal-handler
// composition order), generalized from "wire a CLI" to "wire a crash
// engine" since interactive CLI entry points are out of scope (spec §1).
// Unlike cmd/root.go, which binds to the package-level viper singleton
// because it IS the process's one CLI, crashcore is meant to be embedded
// inside a host program that may have its own viper configuration, so it
// uses a private viper.New() instance instead of the global one.
package install

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lfricker/crashcore/pkg/fixer"
	"github.com/lfricker/crashcore/pkg/monitor"
	"github.com/lfricker/crashcore/pkg/safejson"
)

// Config is the installer's full configuration surface (spec §6.3).
type Config struct {
	// AppName prefixes every rotated report file name.
	AppName string
	// ReportsDir holds rotated crash reports.
	ReportsDir string
	// StateDir holds the persisted AppState JSON and the unclean-exit
	// sentinel file.
	StateDir string

	// MonitorMask selects which monitors SetActiveMonitors arms.
	MonitorMask monitor.Type
	// MaxReportCount is the rotation cap; <=0 uses rotation.DefaultMaxReportCount.
	MaxReportCount int
	// DeadlockWatchdogInterval is the heartbeat staleness threshold; <=0 disables the watchdog.
	DeadlockWatchdogInterval time.Duration

	// IntrospectMemory enables the notable-address sweep and object field enumeration.
	IntrospectMemory bool
	// DoNotIntrospectClasses lists class names (or "prefix.*" globs) whose
	// memory content records only the class name.
	DoNotIntrospectClasses []string

	// AddConsoleLogToReport records ConsoleLogPath under debug.console_log_path;
	// the log's contents are not copied into the report.
	AddConsoleLogToReport bool
	// ConsoleLogPath is where the host's console output is being captured to, if any.
	ConsoleLogPath string

	// PrintPreviousLog echoes the previous session's console log to stdout on install.
	PrintPreviousLog bool

	// UserInfoJSON is an opaque JSON blob appended verbatim under "user".
	UserInfoJSON string

	// UserSectionWriter, if set, is invoked synchronously with a writer
	// handle so the host can emit arbitrary fields into the "user" object
	// (spec §6.3's userSectionWriteCallback). Programmatic only: there is
	// no config-file representation for a callback.
	UserSectionWriter func(e *safejson.Encoder)

	// Demanglers are tried, in order, by the post-mortem fixer. Programmatic only.
	Demanglers []fixer.Demangler
}

// defaultConfig returns a Config with the installer's conservative
// defaults, matching the original engine's out-of-the-box behavior.
func defaultConfig() Config {
	return Config{
		AppName:                  "app",
		ReportsDir:               "crashcore-reports",
		StateDir:                 "crashcore-state",
		MonitorMask:              monitor.TypeSignal | monitor.TypeUserReported | monitor.TypeAppState,
		MaxReportCount:           5,
		DeadlockWatchdogInterval: 0,
		IntrospectMemory:         true,
		AddConsoleLogToReport:    false,
		PrintPreviousLog:         true,
	}
}

// LoadConfig reads crashcore's configuration the same way cmd/root.go's
// initConfig reads netspy's: a YAML file (configPath, or
// "./crashcore.yaml"/"$HOME/.crashcore.yaml" if empty) overlaid with
// CRASHCORE_*-prefixed environment variables, falling back to
// defaultConfig's values for anything unset. A missing config file is not
// an error — programmatic embedders are expected to rely on
// CRASHCORE_* env vars or defaultConfig alone.
func LoadConfig(configPath string) (Config, error) {
	cfg := defaultConfig()

	v := viper.New()
	v.SetEnvPrefix("CRASHCORE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("reports_dir", cfg.ReportsDir)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("monitor_mask", uint32(cfg.MonitorMask))
	v.SetDefault("max_report_count", cfg.MaxReportCount)
	v.SetDefault("deadlock_watchdog_interval_seconds", 0)
	v.SetDefault("introspect_memory", cfg.IntrospectMemory)
	v.SetDefault("do_not_introspect_classes", []string{})
	v.SetDefault("add_console_log_to_report", cfg.AddConsoleLogToReport)
	v.SetDefault("console_log_path", cfg.ConsoleLogPath)
	v.SetDefault("print_previous_log", cfg.PrintPreviousLog)
	v.SetDefault("user_info_json", cfg.UserInfoJSON)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("crashcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return Config{}, err
		}
	}

	cfg.AppName = v.GetString("app_name")
	cfg.ReportsDir = v.GetString("reports_dir")
	cfg.StateDir = v.GetString("state_dir")
	cfg.MonitorMask = monitor.Type(v.GetUint32("monitor_mask"))
	cfg.MaxReportCount = v.GetInt("max_report_count")
	cfg.DeadlockWatchdogInterval = time.Duration(v.GetInt64("deadlock_watchdog_interval_seconds")) * time.Second
	cfg.IntrospectMemory = v.GetBool("introspect_memory")
	cfg.DoNotIntrospectClasses = v.GetStringSlice("do_not_introspect_classes")
	cfg.AddConsoleLogToReport = v.GetBool("add_console_log_to_report")
	cfg.ConsoleLogPath = v.GetString("console_log_path")
	cfg.PrintPreviousLog = v.GetBool("print_previous_log")
	cfg.UserInfoJSON = v.GetString("user_info_json")

	return cfg, nil
}
