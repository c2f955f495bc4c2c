package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/benywan/ddcsum-server/internal/flags"
	"github.com/benywan/ddcsum-server/internal/version"
	"github.com/benywan/ddcsum-server/service"
)

const clientIdentifier = "ddcsumserver"

var app = flags.NewApp("a name-claim blockchain indexer and query service")

func init() {
	app.Name = clientIdentifier
	app.Version = buildVersion()
	app.Action = run
	app.Flags = []cli.Flag{
		flags.DataDirFlag,
		flags.ConfigFileFlag,
		flags.DaemonURLFlag,
		flags.LogFileFlag,
		flags.VerbosityFlag,
		flags.RPCListenAddrFlag,
	}
}

// buildVersion reports "0.1.0" suffixed with the embedded VCS commit/date,
// the same way cmd/mive/config.go's defaultNodeConfig builds Node.Version.
func buildVersion() string {
	const base = "0.1.0"
	vcs, ok := version.VCS()
	if !ok {
		return base
	}
	return version.WithCommit(base, vcs.Commit, vcs.Date)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging wires a terminal handler (color only on a real TTY) or a
// rotating file handler when --log.file is set, the way geth's own
// cmd/utils logging setup does.
func setupLogging(ctx *cli.Context) {
	var writer io.Writer = os.Stderr
	useColor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	if useColor {
		writer = colorable.NewColorableStderr()
	}
	if path := ctx.String(flags.LogFileFlag.Name); path != "" {
		writer = &lumberjack.Logger{Filename: path, MaxSize: 100, MaxBackups: 10}
		useColor = false
	}

	handler := log.NewTerminalHandler(writer, useColor)
	glogger := log.NewGlogHandler(handler)
	glogger.Verbosity(log.FromLegacyLevel(ctx.Int(flags.VerbosityFlag.Name)))
	log.SetDefault(log.NewLogger(glogger))
}

// lockDataDir guards the data directory against a second instance, the same
// way geth's node package locks its datadir with gofrs/flock.
func lockDataDir(dataDir string) (*flock.Flock, error) {
	if dataDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(dataDir + "/LOCK")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data directory %s is already in use", dataDir)
	}
	return fl, nil
}

func run(ctx *cli.Context) error {
	setupLogging(ctx)
	cfg := loadAppConfig(ctx)

	lock, err := lockDataDir(cfg.Caching.DataDir)
	if err != nil {
		return err
	}
	if lock != nil {
		defer lock.Unlock()
	}

	daemonURL := ctx.String(flags.DaemonURLFlag.Name)
	if daemonURL == "" {
		daemonURL = cfg.Daemon.DaemonURL()
	}
	rpcAddr := ctx.String(flags.RPCListenAddrFlag.Name)

	svc, err := service.New(cfg, daemonURL, rpcAddr)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	log.Info("ddcsumserver started", "daemon", daemonURL, "rpc", rpcAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh

	log.Info("Shutting down")
	ctxStop, cancel := context.WithCancel(context.Background())
	defer cancel()
	return svc.Stop(ctxStop)
}
