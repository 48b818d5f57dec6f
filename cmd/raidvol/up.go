package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"machinerun.io/raidvol"
	"machinerun.io/raidvol/linux"
)

//nolint:gochecknoglobals
var upCommand = cli.Command{
	Name:   "up",
	Usage:  "Tune limits, clean fstab, then partition, stripe, format and mount the disks",
	Action: upAction,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "mount-point",
			Value: "/raid0",
			Usage: "where the array is mounted",
		},
		&cli.StringFlag{
			Name:  "partitioner",
			Value: string(raidvol.FdiskPartitioner),
			Usage: "how partition tables are written: fdisk, mbr or gpt",
		},
		&cli.IntFlag{
			Name:  "attempts",
			Value: 3,
			Usage: "array build attempts before giving up",
		},
		&cli.BoolFlag{
			Name:  "strict",
			Value: false,
			Usage: "stop on the first failing command instead of logging and continuing",
		},
		&cli.StringFlag{
			Name:  "subdir",
			Usage: "directory to create under the mount point after mounting",
		},
		&cli.StringFlag{
			Name:  "owner",
			Usage: "user[:group] to chown --subdir to",
		},
	},
}

func upAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	runner := linux.NewRunner(logger)

	part, err := linux.NewPartitioner(cfg.Partitioner, runner, cfg.Paths.SysBlock, logger)
	if err != nil {
		return err
	}

	prov, err := raidvol.New(cfg, logger.WithField("component", "provisioner"),
		runner, linux.NewPoller(cfg.Wait, logger), part,
		raidvol.WithFilter(linux.IsBlockDevice))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := prov.Run(ctx)

	logger.WithFields(logrus.Fields{
		"devices":    report.Devices,
		"partitions": report.Partitions,
		"skipped":    report.Skipped,
		"reused":     report.Reused,
		"attempts":   report.Attempts,
	}).Info("provisioning finished")

	return err
}
