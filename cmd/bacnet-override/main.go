// bacnet-override reads, overrides and relinquishes commandable BACnet
// properties, one-shot from the command line or as a long-running service.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const (
	exitSuccess = 0
	exitFailure = 1 // session failed or device error
	exitUsage   = 2 // bad flags or config
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bacnet-override", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }
	cfgPath := fs.String("config", "config.yaml", "config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		return exitUsage
	}
	if *showVersion {
		fmt.Fprintln(stdout, version)
		return exitSuccess
	}
	if fs.NArg() == 0 {
		printUsage(stderr)
		return exitUsage
	}
	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if cmd == "help" {
		printUsage(stdout)
		return exitSuccess
	}

	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(stderr, nil))

	explicit := false
	fs.Visit(func(f *flag.Flag) { explicit = explicit || f.Name == "config" })
	cfg, err := loadConfig(*cfgPath, cmd != "serve" && !explicit)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		return exitUsage
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		return exitUsage
	}

	c, err := newCLI(cfg, stdout, stderr)
	if err != nil {
		bootLogger.Error("invalid config", "err", err)
		return exitUsage
	}

	switch cmd {
	case "read":
		return c.runRead(cmdArgs)
	case "array":
		return c.runArray(cmdArgs)
	case "status":
		return c.runStatus(cmdArgs)
	case "write", "override":
		return c.runWrite(cmd, cmdArgs, false)
	case "relinquish":
		return c.runWrite(cmd, cmdArgs, true)
	case "oos":
		return c.runOutOfService(cmd, cmdArgs, false)
	case "restore":
		return c.runOutOfService(cmd, cmdArgs, true)
	case "run":
		return c.runScript(cmdArgs)
	case "serve":
		return runServe(cfg, stdout)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `bacnet-override - override and relinquish commandable BACnet properties

Usage:
  bacnet-override [-config path] <command> [flags]

Commands:
  read        Read one property: -device A -object T:I [-property P] [-index N]
  array       Print the 16 priority slots and the effective value
  status      Print name, present value, out-of-service, priorities and states
  write       Override a slot: -priority N -value V [-type hint], or -release
  override    Same as write
  relinquish  Same as write -release
  oos         Set outOfService: -set true|false
  restore     Same as oos -set false
  run         Run a Lua script once: -script file.lua
  serve       Run the web API, MQTT bridge and automations

Every target can be given as -point NAME instead of -device and -object.

Exit status is 0 only when the device confirmed the result by read-back.`)
}
