package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.outreach.daemon"
	systemdUnit  = "outreachd.service"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install outreachd as a user service (launchd/systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			path, body, err := serviceFile(runtime.GOOS, execPath, resolveConfigPath())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				return err
			}
			fmt.Printf("Service installed: %s\n", path)
			if runtime.GOOS == "darwin" {
				fmt.Printf("To start: launchctl load %s\n", path)
			} else {
				fmt.Printf("To start:  systemctl --user start outreachd\n")
				fmt.Printf("To enable: systemctl --user enable outreachd\n")
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the outreachd user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath(runtime.GOOS)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service uninstalled: %s\n", path)
			return nil
		},
	}
}

func servicePath(goos string) (string, error) {
	home, _ := os.UserHomeDir()
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
}

// serviceFile renders the unit for goos and returns where it belongs.
func serviceFile(goos, execPath, cfgPath string) (string, string, error) {
	path, err := servicePath(goos)
	if err != nil {
		return "", "", err
	}
	tmpl := systemdTemplate
	if goos == "darwin" {
		tmpl = launchdTemplate
	}
	logDir := filepath.Join(filepath.Dir(cfgPath), "logs")
	r := strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(logDir, "outreachd.log"),
	)
	return path, r.Replace(tmpl), nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardErrorPath</key>
    <string>{{LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=Outreach delivery daemon
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} run --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
