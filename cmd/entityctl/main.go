// Command entityctl administers an entitydb store: it creates the configured
// tables, inspects and repairs UID maps, and dumps table contents.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/iotfleet/entitydb"
	"github.com/iotfleet/entitydb/config"
)

type metadata struct {
	cfg     *config.Config
	logger  *zap.Logger
	verbose bool
	e       io.Writer
	w       io.Writer

	// set with --metrics
	registry *prometheus.Registry
	metrics  *entitydb.Metrics
}

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero"

func main() {
	app := newApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.ErrWriter, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

func newApp(w, e io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "entityctl"
	app.Usage = "administer an entitydb store"
	app.Version = version
	app.HideVersion = true

	app.Writer = w
	app.ErrWriter = e

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "",
			Usage: " configuration `FILE` [./entitydb.yaml]",
		},
		cli.StringFlag{
			Name:  "env-file",
			Value: ".env",
			Usage: " dotenv `FILE` with ENTITYDB_* overrides",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: " log every store operation",
		},
		cli.BoolFlag{
			Name:  "metrics, m",
			Usage: " print store operation metrics to stderr when done",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "bootstrap",
			Usage:  "create the UID table and the configured entity tables if missing",
			Action: runBootstrap,
		},
		{
			Name:  "uid",
			Usage: "inspect and repair UID maps",
			Subcommands: []cli.Command{
				{
					Name:      "list",
					Usage:     "list every token and id of a category",
					ArgsUsage: "CATEGORY",
					Action:    runUIDList,
				},
				{
					Name:      "lookup",
					Usage:     "resolve a token to its id, or an id to its token",
					ArgsUsage: "CATEGORY",
					Flags: []cli.Flag{
						cli.StringFlag{
							Name:  "token, t",
							Usage: " token `STRING`",
						},
						cli.Int64Flag{
							Name:  "id, i",
							Usage: " numeric `ID`",
						},
					},
					Action: runUIDLookup,
				},
				{
					Name:      "delete",
					Usage:     "delete the id mapping of a token; with sync enabled, other instances evict it too",
					ArgsUsage: "CATEGORY TOKEN",
					Action:    runUIDDelete,
				},
				{
					Name:      "sweep",
					Usage:     "delete reverse rows left behind by interrupted creates and deletes",
					ArgsUsage: "CATEGORY",
					Flags: []cli.Flag{
						cli.BoolFlag{
							Name:  "dry-run, n",
							Usage: " only list the orphans",
						},
					},
					Action: runUIDSweep,
				},
			},
		},
		{
			Name:      "dump",
			Usage:     "print the rows of a table",
			ArgsUsage: "TABLE",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "payloads, p",
					Usage: " decode payloads as JSON",
				},
			},
			Action: runDump,
		},
		{
			Name:      "stats",
			Usage:     "print table statistics",
			ArgsUsage: "TABLE...",
			Action:    runStats,
		},
		{
			Name:   "config",
			Usage:  "print the effective configuration",
			Action: runConfig,
		},
	}
	app.Before = func(c *cli.Context) error {
		if envFile := c.GlobalString("env-file"); envFile != "" {
			if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		cfg, err := config.Load(c.GlobalString("config"))
		if err != nil {
			return err
		}
		if c.GlobalBool("verbose") {
			cfg.Logging.Verbose = true
			cfg.Logging.Level = "debug"
			cfg.Logging.Format = "console"
		}
		logger, err := cfg.NewLogger()
		if err != nil {
			return err
		}
		m := &metadata{
			cfg:     cfg,
			logger:  logger,
			verbose: cfg.Logging.Verbose,
			e:       c.App.ErrWriter,
			w:       c.App.Writer,
		}
		if c.GlobalBool("metrics") {
			m.registry = prometheus.NewRegistry()
			if m.metrics, err = entitydb.NewMetrics(m.registry); err != nil {
				return err
			}
		}
		c.App.Metadata = map[string]interface{}{"config": m}
		return nil
	}
	app.After = func(c *cli.Context) error {
		m, ok := c.App.Metadata["config"].(*metadata)
		if !ok {
			return nil
		}
		_ = m.logger.Sync()
		if m.registry == nil {
			return nil
		}
		families, err := m.registry.Gather()
		if err != nil {
			return err
		}
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(m.e, mf); err != nil {
				return err
			}
		}
		return nil
	}
	return app
}
