// Package flags provides the shared cli.App scaffolding and flag
// categories used by cmd/ddcsumserver, mirroring the teacher's
// internal/flags conventions (cmd/mive/main.go's flags.NewApp,
// cmd/mive/config.go's flags.EthCategory on configFileFlag).
package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// Flag categories group related flags together in `--help` output.
const (
	ProcessorCategory = "PROCESSOR"
	LoggingCategory    = "LOGGING & DEBUGGING"
	APICategory        = "API AND CONSOLE"
)

// NewApp creates an app with sane defaults.
func NewApp(usage string) *cli.App {
	app := cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = usage
	return app
}

// Fatalf formats a message to stderr-equivalent and returns it wrapped as an
// error that main can exit on; kept distinct from log.Crit so flag/parse
// errors never look like an InvariantViolation.
func Fatalf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

var (
	// DataDirFlag is the directory holding the header file, config, and the
	// Storage backend's own files.
	DataDirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Data directory for headers, config and the index backend",
		Category: ProcessorCategory,
	}
	// ConfigFileFlag points at a TOML config file (cmd/mive/config.go's
	// configFileFlag, generalized).
	ConfigFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: ProcessorCategory,
	}
	// DaemonURLFlag is the reference daemon's JSON-RPC endpoint.
	DaemonURLFlag = &cli.StringFlag{
		Name:     "ddcscrdd.url",
		Usage:    "Reference daemon JSON-RPC URL",
		Category: ProcessorCategory,
	}
	// LogFileFlag enables rotating file logging via lumberjack.
	LogFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write log records to this file, rotating it as it grows",
		Category: LoggingCategory,
	}
	// VerbosityFlag sets the log level.
	VerbosityFlag = &cli.IntFlag{
		Name:     "verbosity",
		Usage:    "Logging verbosity: 0=crit,1=error,2=warn,3=info,4=debug,5=trace",
		Value:    3,
		Category: LoggingCategory,
	}
	// RPCListenAddrFlag is the demo SessionBus HTTP/WS listen address.
	RPCListenAddrFlag = &cli.StringFlag{
		Name:     "rpc.addr",
		Usage:    "Listen address for the session bus HTTP/WS server",
		Value:    "127.0.0.1:50001",
		Category: APICategory,
	}
)
