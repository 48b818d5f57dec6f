package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"machinerun.io/raidvol"
)

var version string

func printTextTable(data [][]string) {
	var lengths = make([]int, len(data[0]))

	for _, line := range data {
		for i, field := range line {
			if len(field) > lengths[i] {
				lengths[i] = len(field)
			}
		}
	}

	fmts := make([]string, len(lengths))

	for i, l := range lengths {
		fmts[i] = fmt.Sprintf("%%-%ds", l)
	}

	pfmt := strings.Join(fmts, " | ") + " |\n"

	for _, line := range data {
		s := make([]interface{}, len(line))
		for i, v := range line {
			s[i] = v
		}

		fmt.Printf(pfmt, s...)
	}
}

func newLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logger, err
	}

	logger.SetLevel(lvl)

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&nested.Formatter{
			HideKeys:        true,
			NoColors:        true,
			TimestampFormat: time.RFC3339,
			FieldsOrder:     []string{"component", "step", "cmd"},
		})
	default:
		return logger, fmt.Errorf("unknown log format %q", format)
	}

	return logger, nil
}

// loadConfig reads --config and applies the flags that were set on top.
func loadConfig(c *cli.Context) (raidvol.Config, error) {
	cfg, err := raidvol.LoadConfig(c.String("config"))
	if err != nil {
		return cfg, err
	}

	if c.IsSet("prefix") {
		cfg.Prefix = c.String("prefix")
	}

	if c.IsSet("boot-device") {
		cfg.BootDevice = c.String("boot-device")
	}

	if c.IsSet("mount-point") {
		cfg.Array.MountPoint = c.String("mount-point")
	}

	if c.IsSet("partitioner") {
		cfg.Partitioner = raidvol.PartitionerKind(c.String("partitioner"))
	}

	if c.IsSet("attempts") {
		cfg.Array.Attempts = c.Int("attempts")
	}

	if c.IsSet("strict") {
		cfg.Strict = c.Bool("strict")
	}

	if c.IsSet("subdir") {
		cfg.PostMount.Subdir = c.String("subdir")
	}

	if c.IsSet("owner") {
		cfg.PostMount.Owner = c.String("owner")
	}

	return cfg, cfg.Validate()
}

func setup(c *cli.Context) (raidvol.Config, *logrus.Logger, error) {
	logger, err := newLogger(c.String("log-level"), c.String("log-format"))
	if err != nil {
		return raidvol.Config{}, logger, err
	}

	cfg, err := loadConfig(c)

	return cfg, logger, err
}

//nolint:gochecknoglobals
var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "yaml config file, defaults are used for keys it does not set",
	},
	&cli.StringFlag{
		Name:  "prefix",
		Value: "xvd",
		Usage: "kernel name prefix of the disks to stripe",
	},
	&cli.StringFlag{
		Name:  "boot-device",
		Usage: "device to leave alone (default <dev>/<prefix>a)",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Value: "info",
		Usage: "log level (debug, info, warn, error)",
	},
	&cli.StringFlag{
		Name:  "log-format",
		Value: "text",
		Usage: "log format: text or json",
	},
}

func main() {
	app := &cli.App{
		Name:    "raidvol",
		Version: version,
		Usage:   "Stripe the attached disks of a cloud VM into a mounted RAID0 volume",
		Flags:   globalFlags,
		Commands: []*cli.Command{
			&upCommand,
			&scanCommand,
			&statusCommand,
			&cleanFstabCommand,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
