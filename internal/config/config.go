package config

import (
	"path/filepath"
	"time"

	"github.com/paularlott/cli"
)

// Config holds the daemon configuration.
type Config struct {
	DataDir           string
	ListenAddr        string
	APIAuthToken      string
	MCPAuthToken      string
	CaptureDir        string
	ConsoleHost       string
	ReconcileInterval string
}

// GetFlags returns the server flags. Priority is CLI flag, then
// environment variable, then default.
func GetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:         "data-dir",
			Usage:        "Directory for the node database and capture files",
			DefaultValue: "./data",
			EnvVars:      []string{"EMUD_DATA_DIR"},
		},
		&cli.StringFlag{
			Name:         "addr",
			Usage:        "Server listen address (e.g., :3080)",
			DefaultValue: ":3080",
			EnvVars:      []string{"EMUD_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:         "api-token",
			Usage:        "API bearer token for authentication",
			DefaultValue: "",
			EnvVars:      []string{"EMUD_API_TOKEN"},
		},
		&cli.StringFlag{
			Name:         "token",
			Usage:        "MCP bearer token for authentication",
			DefaultValue: "",
			EnvVars:      []string{"EMUD_MCP_TOKEN"},
		},
		&cli.StringFlag{
			Name:         "capture-dir",
			Usage:        "Directory for packet capture files (defaults to <data-dir>/projects)",
			DefaultValue: "",
			EnvVars:      []string{"EMUD_CAPTURE_DIR"},
		},
		&cli.StringFlag{
			Name:         "console-host",
			Usage:        "Host the emulator consoles listen on",
			DefaultValue: "127.0.0.1",
			EnvVars:      []string{"EMUD_CONSOLE_HOST"},
		},
		&cli.StringFlag{
			Name:         "reconcile-interval",
			Usage:        "How often to probe backend process liveness (e.g., 30s)",
			DefaultValue: "30s",
			EnvVars:      []string{"EMUD_RECONCILE_INTERVAL"},
		},
	}
}

// Load reads the resolved flag values off the command.
func Load(cmd *cli.Command) *Config {
	cfg := &Config{
		DataDir:           cmd.GetString("data-dir"),
		ListenAddr:        cmd.GetString("addr"),
		APIAuthToken:      cmd.GetString("api-token"),
		MCPAuthToken:      cmd.GetString("token"),
		CaptureDir:        cmd.GetString("capture-dir"),
		ConsoleHost:       cmd.GetString("console-host"),
		ReconcileInterval: cmd.GetString("reconcile-interval"),
	}
	if cfg.CaptureDir == "" {
		cfg.CaptureDir = filepath.Join(cfg.DataDir, "projects")
	}
	if _, err := time.ParseDuration(cfg.ReconcileInterval); err != nil {
		cfg.ReconcileInterval = "30s"
	}
	return cfg
}

// IsAPIAuthEnabled reports whether API requests require a bearer token.
func (c *Config) IsAPIAuthEnabled() bool {
	return c.APIAuthToken != ""
}

// IsMCPEnabled reports whether MCP authentication is configured.
func (c *Config) IsMCPEnabled() bool {
	return c.MCPAuthToken != ""
}
