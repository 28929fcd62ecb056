package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

const unitName = "hookproxy.service"

// unitTemplate is the systemd user unit that keeps hookproxy running.
const unitTemplate = `[Unit]
Description=hookproxy intercepting HTTP proxy
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ProgramPath}} start --foreground{{if .ConfigPath}} --config {{.ConfigPath}}{{end}}
WorkingDirectory={{.WorkingDir}}
Restart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec=35

[Install]
WantedBy=default.target
`

type unitData struct {
	ProgramPath string
	ConfigPath  string
	WorkingDir  string
}

// renderUnit writes the unit file for the given binary and config.
func renderUnit(path string, data unitData) error {
	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return fmt.Errorf("parsing unit template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating unit file %s: %w", path, err)
	}
	if err := tmpl.Execute(f, data); err != nil {
		f.Close()
		return fmt.Errorf("writing unit file: %w", err)
	}
	return f.Close()
}

func userUnitDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "systemd", "user"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user"), nil
}

// InstallService installs and starts hookproxy as a systemd user service.
func InstallService(configPath, dataDir string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("determining executable path: %w", err)
	}
	if execPath, err = filepath.EvalSymlinks(execPath); err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	unitDir, err := userUnitDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return fmt.Errorf("creating unit directory: %w", err)
	}
	dataDir = expandHome(dataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	unitPath := filepath.Join(unitDir, unitName)
	if err := renderUnit(unitPath, unitData{
		ProgramPath: execPath,
		ConfigPath:  configPath,
		WorkingDir:  dataDir,
	}); err != nil {
		return err
	}
	fmt.Printf("Unit written to %s\n", unitPath)

	for _, args := range [][]string{
		{"--user", "daemon-reload"},
		{"--user", "enable", "--now", unitName},
	} {
		cmd := exec.Command("systemctl", args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("systemctl %v: %w", args, err)
		}
	}

	fmt.Printf("Service %s enabled\n", unitName)
	return nil
}

// UninstallService stops the systemd user service and removes its unit.
func UninstallService() error {
	unitDir, err := userUnitDir()
	if err != nil {
		return err
	}

	// Not being loaded is fine.
	_ = exec.Command("systemctl", "--user", "disable", "--now", unitName).Run()

	unitPath := filepath.Join(unitDir, unitName)
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit: %w", err)
	}
	_ = exec.Command("systemctl", "--user", "daemon-reload").Run()

	fmt.Printf("Service %s uninstalled\n", unitName)
	return nil
}
