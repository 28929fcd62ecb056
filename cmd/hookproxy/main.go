package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/hookproxy/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "stop":
		cmdStop(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "keys":
		cmdKeys(os.Args[2:])
	case "init-config":
		cmdInitConfig()
	case "install-service":
		cmdInstallService(os.Args[2:])
	case "uninstall-service":
		cmdUninstallService()
	case "config-export":
		cmdConfigExport(os.Args[2:])
	case "config-import":
		cmdConfigImport(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: hookproxy <command> [options]

Commands:
  start              Start the proxy daemon
  stop               Stop the running daemon
  status             Show daemon status and health
  keys               Manage secrets (list|set|delete <name>)
  init-config        Generate default config file
  config-export      Export current config to a TOML file
  config-import      Import config from a TOML file
  install-service    Install as a systemd user service
  uninstall-service  Remove the systemd user service
  version            Print version information
  help               Show this help message

Options:
  --config <file>    Use this config file instead of the search path
  --foreground, -f   Run in foreground (with 'start')`)
}
