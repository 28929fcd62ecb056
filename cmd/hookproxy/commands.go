package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/daemon"
)

type options struct {
	configPath string
	foreground bool
	args       []string
}

// parseOptions separates the shared flags from positional arguments.
func parseOptions(args []string) (options, error) {
	var o options
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--foreground" || a == "-f":
			o.foreground = true
		case a == "--config" || a == "-c":
			if i+1 >= len(args) {
				return o, errors.New("--config requires a file argument")
			}
			i++
			o.configPath = args[i]
		case strings.HasPrefix(a, "--config="):
			o.configPath = strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-") && a != "-":
			return o, fmt.Errorf("unknown option %s", a)
		default:
			o.args = append(o.args, a)
		}
	}
	return o, nil
}

func mustOptions(args []string) options {
	o, err := parseOptions(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	return o
}

func mustLoad(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func cmdStart(args []string) {
	o := mustOptions(args)
	cfg := mustLoad(o.configPath)

	if err := daemon.Run(cfg, o.foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop(args []string) {
	mustLoad(mustOptions(args).configPath)
	if err := daemon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("hookproxy stopped")
}

func cmdStatus(args []string) {
	mustLoad(mustOptions(args).configPath)
	if err := daemon.Status(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func cmdInitConfig() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error generating config: %v\n", err)
		os.Exit(1)
	}
}

func cmdInstallService(args []string) {
	o := mustOptions(args)
	cfg := mustLoad(o.configPath)

	configPath := o.configPath
	if configPath == "" {
		configPath = config.ConfigFilePath()
	}
	if err := daemon.InstallService(configPath, cfg.Server.DataDir); err != nil {
		fmt.Fprintf(os.Stderr, "error installing service: %v\n", err)
		os.Exit(1)
	}
}

func cmdUninstallService() {
	if err := daemon.UninstallService(); err != nil {
		fmt.Fprintf(os.Stderr, "error removing service: %v\n", err)
		os.Exit(1)
	}
}

func cmdConfigExport(args []string) {
	o := mustOptions(args)
	path := "hookproxy-export.toml"
	if len(o.args) > 0 {
		path = o.args[0]
	}
	mustLoad(o.configPath)
	if err := config.ExportConfig(path); err != nil {
		fmt.Fprintf(os.Stderr, "error exporting config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config exported to %s\n", path)
}

func cmdConfigImport(args []string) {
	o := mustOptions(args)
	if len(o.args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: hookproxy config-import <file>")
		os.Exit(1)
	}
	mustLoad(o.configPath)
	if err := config.ImportConfig(o.args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error importing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config imported from %s\n", o.args[0])
}
