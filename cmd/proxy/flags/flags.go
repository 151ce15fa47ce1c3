// Package flags defines the command line flags of the aggregator proxy.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// HTTPHostFlag defines the address the public proxy listener binds to.
	HTTPHostFlag = &cli.StringFlag{
		Name:  "http-host",
		Usage: "Host on which the public HTTP server runs",
		Value: "0.0.0.0",
	}
	// HTTPPortFlag defines the port of the public proxy listener.
	HTTPPortFlag = &cli.IntFlag{
		Name:  "http-port",
		Usage: "Port on which the public HTTP server runs",
		Value: 8080,
	}
	// MonitoringHostFlag defines the address of the metrics listener.
	MonitoringHostFlag = &cli.StringFlag{
		Name:  "monitoring-host",
		Usage: "Host on which the metrics and health endpoints run",
		Value: "127.0.0.1",
	}
	// MonitoringPortFlag defines the port of the metrics listener.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port on which the metrics and health endpoints run",
		Value: 8081,
	}
	// DisableMonitoringFlag disables the metrics listener entirely.
	DisableMonitoringFlag = &cli.BoolFlag{
		Name:  "disable-monitoring",
		Usage: "Disable the metrics and health endpoints",
	}
	// DatabaseURLFlag overrides the DATABASE_URL environment variable.
	DatabaseURLFlag = &cli.StringFlag{
		Name:    "database-url",
		Usage:   "PostgreSQL connection string",
		EnvVars: []string{"DATABASE_URL"},
	}
	// ShardConfigURIFlag points at a shard configuration to load at startup.
	ShardConfigURIFlag = &cli.StringFlag{
		Name:    "shard-config-uri",
		Usage:   "file://, http:// or https:// URI of the shard configuration to load and persist at startup",
		EnvVars: []string{"SHARD_CONFIG_URI"},
	}
	// ServerSecretFlag holds the secret that payment receive addresses are derived from.
	ServerSecretFlag = &cli.StringFlag{
		Name:    "server-secret",
		Usage:   "Secret used to derive payment receive addresses",
		EnvVars: []string{"SERVER_SECRET"},
	}
	// EnvFileFlag names an optional dotenv file loaded before flag parsing of env-backed flags.
	EnvFileFlag = &cli.StringFlag{
		Name:  "env-file",
		Usage: "Path to a .env file with environment variables",
	}
	// ShardPollIntervalFlag overrides how often the database is polled for a newer shard config.
	ShardPollIntervalFlag = &cli.DurationFlag{
		Name:  "shard-poll-interval",
		Usage: "Interval between checks for a newer shard configuration",
	}
	// ValidateConnectivityFlag enables a connectivity probe of every shard target before a config is accepted.
	ValidateConnectivityFlag = &cli.BoolFlag{
		Name:  "validate-shard-connectivity",
		Usage: "Probe every shard target before accepting a shard configuration",
	}
	// VerbosityFlag defines the logrus logging level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value: "info",
	}
	// LogFormatFlag specifies the log output encoding.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json",
		Value: "text",
	}
)
