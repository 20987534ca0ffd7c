package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff"
	"github.com/peterbourgon/ff/ffcli"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"tcplb"
)

var (
	appFlagSet   = flag.NewFlagSet("tcplb", flag.ExitOnError)
	serveFlagSet = flag.NewFlagSet("tcplb serve", flag.ExitOnError)
	checkFlagSet = flag.NewFlagSet("tcplb check", flag.ExitOnError)
	configPath   = appFlagSet.String("c", "/etc/tcplb/config.toml", "configuration file path (.toml or .yaml)")
	logLevel     = appFlagSet.String("log-level", "", "overrides global.log_level")
	workers      = serveFlagSet.Int("workers", 0, "overrides global.workers")
	metricsAddr  = serveFlagSet.String("metrics", "", "overrides global.metrics_address")
)

func main() {
	envPrefix := []ff.Option{ff.WithEnvVarPrefix("TCPLB")}
	app := &ffcli.Command{
		Usage:   "tcplb [flags] <subcommand> [args]",
		FlagSet: appFlagSet,
		Options: envPrefix,
		Subcommands: []*ffcli.Command{
			{
				Name:      "serve",
				Usage:     "tcplb [flags] serve [-workers n] [-metrics addr]",
				ShortHelp: "Run the load balancer",
				FlagSet:   serveFlagSet,
				Options:   envPrefix,
				Exec:      serve,
			},
			{
				Name:      "check",
				Usage:     "tcplb [flags] check",
				ShortHelp: "Validate the configuration and resolve every target",
				FlagSet:   checkFlagSet,
				Options:   envPrefix,
				Exec:      check,
			},
		},
	}

	if len(os.Args) == 1 {
		fmt.Fprintln(os.Stderr, ffcli.DefaultUsageFunc(app))
		os.Exit(2)
	}

	if err := app.Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and sets up the global logger from it.
func loadConfig() (*tcplb.Config, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	config, err := tcplb.LoadConfig(*configPath)
	if err != nil {
		return nil, err
	}
	if *logLevel != "" {
		config.Global.LogLevel = *logLevel
	}
	zerolog.SetGlobalLevel(config.LogLevel())
	log.Info().Msgf("loaded config %s", *configPath)
	return config, nil
}
