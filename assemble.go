package raidvol

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/juju/retry"
	"github.com/juju/utils/v4"
	"github.com/pkg/errors"
)

// Assemble builds, formats and registers the array from parts, retrying a
// failed attempt after tearing down what it left behind. It returns the number
// of attempts made.
func (p *Provisioner) Assemble(ctx context.Context, parts []string) (int, error) {
	a := p.cfg.Array
	log := p.log.WithField("step", "assemble")
	attempts := 0

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++

			err := p.buildOnce(ctx, parts)
			if err != nil && ctx.Err() == nil {
				p.teardown(ctx, parts)
			}

			return err
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || isStrictError(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			log.WithError(lastError).Warnf("attempt %d of %d to build %s failed",
				attempt, a.Attempts, a.Device)
		},
		Attempts: a.Attempts,
		Delay:    time.Duration(a.RetryDelay),
		Clock:    p.clock,
		Stop:     ctx.Done(),
	})

	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}

		return attempts, errors.Wrapf(err, "failed to build %s after %d attempt(s)", a.Device, attempts)
	}

	log.Infof("%s is ready after %d attempt(s)", a.Device, attempts)

	return attempts, nil
}

// buildOnce is a single Building -> Ready attempt. Only the create and format
// exit statuses decide the outcome; the steps between are best effort.
func (p *Provisioner) buildOnce(ctx context.Context, parts []string) error {
	a := p.cfg.Array
	log := p.log.WithField("step", "assemble")

	log.Infof("creating %s (raid%d, chunk %d) from %v", a.Device, a.Level, a.Chunk, parts)

	if err := p.run.Run(ctx, "y\n", CreateArgs(a, parts)...).Err(); err != nil {
		return errors.Wrap(err, "mdadm create failed")
	}

	if err := p.writeManifest(parts); err != nil {
		return err
	}

	if err := p.wait.WaitFor(ctx, a.Device+" device node", allExist([]string{a.Device})); err != nil {
		return err
	}

	if err := p.appendExamine(ctx); err != nil {
		return err
	}

	if err := p.bestEffort(ctx, "initramfs", "update-initramfs", "-u"); err != nil {
		return err
	}

	if err := p.wait.WaitFor(ctx, a.Device+" active", p.arrayActive); err != nil {
		return err
	}

	if err := p.bestEffort(ctx, "assemble", "blockdev", "--setra", strconv.Itoa(a.ReadAhead), a.Device); err != nil {
		return err
	}

	log.Infof("formatting %s as %s", a.Device, a.FSType)

	mkfs := append(append([]string{"mkfs." + a.FSType}, a.MkfsArgs...), a.Device)
	if err := p.run.Run(ctx, "", mkfs...).Err(); err != nil {
		return errors.Wrap(err, "format failed")
	}

	return nil
}

// writeManifest replaces the mdadm config with the DEVICE line for parts.
func (p *Provisioner) writeManifest(parts []string) error {
	conf := p.cfg.Paths.MdadmConf

	if err := os.MkdirAll(filepath.Dir(conf), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", conf)
	}

	if err := utils.AtomicWriteFile(conf, []byte(DeviceManifest(parts)+"\n"), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", conf)
	}

	return nil
}

// appendExamine adds the scanned ARRAY line, minus its name field, to the
// mdadm config so the array assembles at boot.
func (p *Provisioner) appendExamine(ctx context.Context) error {
	log := p.log.WithField("step", "assemble")

	res := p.run.Run(ctx, "", "mdadm", "--examine", "--scan")
	if err := p.soft("examine", res.Err()); err != nil {
		return err
	}

	log.Infof("examine response: %s", res.Stdout)

	line := StripTrailingField(string(res.Stdout))
	if line == "" {
		log.Warnf("nothing to add to %s", p.cfg.Paths.MdadmConf)
		return nil
	}

	log.Infof("adding to %s: %s", p.cfg.Paths.MdadmConf, line)

	return AppendLines(p.cfg.Paths.MdadmConf, line)
}

// teardown stops the array and wipes the member superblocks so the next
// attempt starts from clean partitions.
func (p *Provisioner) teardown(ctx context.Context, parts []string) {
	log := p.log.WithField("step", "assemble")
	log.Warnf("stopping %s and zeroing superblocks of %v", p.cfg.Array.Device, parts)

	p.ignore(ctx, "mdadm", "--stop", p.cfg.Array.Device)

	for _, part := range parts {
		p.ignore(ctx, "mdadm", "--zero-superblock", part)
	}
}
