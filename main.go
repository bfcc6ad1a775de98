package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"openshare/config"
)

const usage = `usage: openshare [--data-dir DIR] [--log-level LEVEL] <command> [flags]

commands:
  init             bind this device to an account and create its identity
  info             show device identity and ledger summary
  discover         list devices of the same account on the LAN
  announce         announce this device on the LAN without accepting transfers
  create-manifest  chunk and sign a file, writing its manifest
  verify-manifest  check a manifest's hash and signature
  send             send a file to a peer
  listen           accept incoming transfers
  trust            accept or reject a known device's changed identity key
`

type command func(ctx context.Context, env *environment, args []string) error

var commands = map[string]command{
	"init":            runInit,
	"info":            runInfo,
	"discover":        runDiscover,
	"announce":        runAnnounce,
	"create-manifest": runCreateManifest,
	"verify-manifest": runVerifyManifest,
	"send":            runSend,
	"listen":          runListen,
	"trust":           runTrust,
}

// environment carries the global flags and the logger shared by commands.
type environment struct {
	dataDir string
	log     *logrus.Logger
	out     io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logrus.WithError(err).Error("openshare failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("openshare", flag.ContinueOnError)
	global.SetOutput(out)
	global.Usage = func() { fmt.Fprint(out, usage) }
	dataDir := global.String("data-dir", "", "data directory (default: "+config.DataDirEnv+" or the per-user config dir)")
	logLevel := global.String("log-level", "", "log level: panic, fatal, error, warn, info, debug, trace")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return flag.ErrHelp
	}

	name := global.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		global.Usage()
		return fmt.Errorf("unknown command %q", name)
	}

	dir := *dataDir
	if dir == "" {
		resolved, err := config.ResolveDataDir()
		if err != nil {
			return err
		}
		dir = resolved
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stderr)
	if *logLevel != "" {
		level, err := logrus.ParseLevel(*logLevel)
		if err != nil {
			return fmt.Errorf("parse log level: %w", err)
		}
		logger.SetLevel(level)
	} else if cfg, err := config.Load(config.ConfigPath(dir)); err == nil {
		logger.SetLevel(cfg.Level())
	}

	return cmd(ctx, &environment{dataDir: dir, log: logger, out: out}, global.Args()[1:])
}

// newFlagSet builds a per-command flag set that prints to the command output.
func (env *environment) newFlagSet(name, synopsis string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.out)
	fs.Usage = func() {
		fmt.Fprintf(env.out, "usage: openshare %s %s\n", name, synopsis)
		fs.PrintDefaults()
	}
	return fs
}

// parseInterleaved parses flags that may appear before or after positional
// arguments and returns the positionals.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}
