package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/palisade/cmd"
	"grimm.is/palisade/internal/config"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", config.DefaultConfigPath, "Configuration file")
		startFlags.StringVar(configFile, "c", config.DefaultConfigPath, "Configuration file (short)")
		metricsAddr := startFlags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9477)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile, *metricsAddr); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "init-config":
		initFlags := flag.NewFlagSet("init-config", flag.ExitOnError)
		configFile := initFlags.String("config", config.DefaultConfigPath, "Configuration file to create")
		initFlags.StringVar(configFile, "c", config.DefaultConfigPath, "Configuration file (short)")
		initFlags.Parse(os.Args[2:])

		if err := cmd.RunInitConfig(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Init failed: %v\n", err)
			os.Exit(1)
		}

	case "apps":
		if err := cmd.RunApps(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("palisade %s\n", version)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`palisade - per-application firewall policy manager

Usage:
  palisade start [-c config] [-metrics-addr addr]   Run the policy daemon
  palisade init-config [-c config]                  Write a default configuration file
  palisade apps <subcommand> [flags]                Manage application rules
  palisade version                                  Print the version
  palisade help                                     Show this help

Apps subcommands:
  list                          List all rules
  add <path>                    Add (or overwrite) a rule
  block <id>...                 Block rules
  unblock <id>...               Unblock rules
  delete <id>...                Delete rules
  rename <id> <name>            Change a rule's display name
  purge                         Remove rules whose executables are gone
  resync                        Push a full snapshot to the filter

Run 'palisade apps <subcommand> -h' for subcommand flags.
`)
}
