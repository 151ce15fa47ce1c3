// Package main defines the aggregator proxy entry point: a reverse proxy in
// front of the sharded aggregator network with api key rate limiting and a
// token payment workflow for plan upgrades.
package main

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/unicitynetwork/aggregator-proxy/cmd/proxy/flags"
	"github.com/unicitynetwork/aggregator-proxy/monitoring/prometheus"
	"github.com/unicitynetwork/aggregator-proxy/node"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	flags.HTTPHostFlag,
	flags.HTTPPortFlag,
	flags.MonitoringHostFlag,
	flags.MonitoringPortFlag,
	flags.DisableMonitoringFlag,
	flags.DatabaseURLFlag,
	flags.ShardConfigURIFlag,
	flags.ServerSecretFlag,
	flags.EnvFileFlag,
	flags.ShardPollIntervalFlag,
	flags.ValidateConnectivityFlag,
	flags.VerbosityFlag,
	flags.LogFormatFlag,
}

func startNode(cliCtx *cli.Context) error {
	proxy, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	proxy.Start()
	return nil
}

func main() {
	app := cli.App{
		Name:   "proxy",
		Usage:  "reverse proxy for the sharded aggregator network",
		Action: startNode,
		Flags:  appFlags,
		Before: func(cliCtx *cli.Context) error {
			runtime.GOMAXPROCS(runtime.NumCPU())
			return setupLogging(cliCtx)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func setupLogging(cliCtx *cli.Context) error {
	level, err := logrus.ParseLevel(cliCtx.String(flags.VerbosityFlag.Name))
	if err != nil {
		return errors.Wrap(err, "invalid verbosity")
	}
	logrus.SetLevel(level)

	switch format := cliCtx.String(flags.LogFormatFlag.Name); format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", format)
	}

	logrus.AddHook(prometheus.NewLogrusCollector())
	return nil
}
