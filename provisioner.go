package raidvol

import (
	"context"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/juju/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Report summarizes what a provisioning run did.
type Report struct {
	Devices    []string
	Partitions []string

	// Skipped is true when fewer than two devices were found and no array
	// was touched.
	Skipped bool

	// Reused is true when a matching array was already running.
	Reused bool

	// Attempts is the number of array build attempts made.
	Attempts int
}

// Option configures optional Provisioner collaborators.
type Option func(*Provisioner)

// WithClock sets the clock used between build attempts.
func WithClock(c clock.Clock) Option {
	return func(p *Provisioner) {
		p.clock = c
	}
}

// WithFilter sets the filter deciding which device nodes are disks.
func WithFilter(f DeviceFilter) Option {
	return func(p *Provisioner) {
		p.filter = f
	}
}

// Provisioner brings up the striped volume on this host.
type Provisioner struct {
	cfg    Config
	log    logrus.FieldLogger
	run    Runner
	wait   Waiter
	part   Partitioner
	filter DeviceFilter
	clock  clock.Clock
}

// New returns a Provisioner for cfg. The Runner executes every command, the
// Waiter replaces fixed sleeps and the Partitioner writes partition tables.
func New(cfg Config, log logrus.FieldLogger, run Runner, wait Waiter, part Partitioner,
	opts ...Option) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	p := &Provisioner{
		cfg:    cfg,
		log:    log,
		run:    run,
		wait:   wait,
		part:   part,
		filter: AcceptAll,
		clock:  clock.WallClock,
	}

	for _, o := range opts {
		o(p)
	}

	return p, nil
}

// Run performs the whole sequence: tuning, fstab cleanup, discovery,
// partitioning, array assembly, then mount and finalize.
func (p *Provisioner) Run(ctx context.Context) (Report, error) {
	report := Report{}

	if err := p.TuneLimits(); err != nil {
		return report, err
	}

	if err := p.CleanFstab(); err != nil {
		return report, err
	}

	devices, err := p.Discover()
	if err != nil {
		return report, err
	}

	report.Devices = devices

	if len(devices) < 2 {
		p.log.WithField("step", "discover").Warnf(
			"found %d usable %s* devices, need at least 2. Skipping raid setup.",
			len(devices), p.cfg.Prefix)

		report.Skipped = true

		return report, nil
	}

	expected := ExpectedPartitions(p.cfg, devices)

	state, exists, err := p.CurrentArray(expected)
	if err != nil {
		return report, err
	}

	if exists {
		if state.Name != p.cfg.ArrayName() || !state.Matches(expected) {
			return report, errors.Wrapf(ErrConflict, "%s is %v, expected %s active with %v",
				state.Name, state.Members, p.cfg.ArrayName(), expected)
		}

		p.log.WithField("step", "assemble").Infof(
			"%s is already active with %v, not rebuilding", p.cfg.Array.Device, state.Members)

		report.Reused = true
		report.Partitions = state.Members
	} else {
		if err := p.PartitionDevices(ctx, devices); err != nil {
			return report, err
		}

		parts, err := p.CollectPartitions(ctx, devices)
		if err != nil {
			return report, err
		}

		report.Partitions = parts

		report.Attempts, err = p.Assemble(ctx, parts)
		if err != nil {
			return report, err
		}
	}

	return report, p.Finalize(ctx)
}

// strictError is the failure of a best effort step in strict mode. Array
// build attempts are not retried after one.
type strictError struct {
	step string
	err  error
}

func (e *strictError) Error() string {
	return e.step + ": " + e.err.Error()
}

func (e *strictError) Unwrap() error {
	return e.err
}

func isStrictError(err error) bool {
	var se *strictError
	return errors.As(err, &se)
}

// soft handles the failure of a step the sequence can live without. It is
// logged and swallowed unless the config is strict.
func (p *Provisioner) soft(step string, err error) error {
	if err == nil {
		return nil
	}

	if p.cfg.Strict {
		return &strictError{step: step, err: err}
	}

	p.log.WithField("step", step).WithError(err).Error("continuing after failure")

	return nil
}

// bestEffort runs a command whose failure is handled by soft.
func (p *Provisioner) bestEffort(ctx context.Context, step string, args ...string) error {
	return p.soft(step, p.run.Run(ctx, "", args...).Err())
}

// ignore runs a command whose failure is expected, like umount of a device
// that is not mounted.
func (p *Provisioner) ignore(ctx context.Context, args ...string) {
	p.run.Run(ctx, "", args...)
}

// TuneLimits appends the open file limits. Running it twice appends the
// lines twice.
func (p *Provisioner) TuneLimits() error {
	p.log.WithField("step", "tune").Infof("raising nofile to %d in %s",
		p.cfg.NoFile, p.cfg.Paths.Limits)

	return p.soft("tune", AppendLines(p.cfg.Paths.Limits, LimitLines(p.cfg.NoFile)...))
}

// CleanFstab removes every fstab line mentioning the ephemeral mount.
func (p *Provisioner) CleanFstab() error {
	log := p.log.WithField("step", "fstab")

	dropped, err := RemoveMountReferences(p.cfg.Paths.Fstab, p.cfg.EphemeralMount)
	if err != nil {
		return p.soft("fstab", err)
	}

	log.Infof("removed %d line(s) referencing %s from %s",
		dropped, p.cfg.EphemeralMount, p.cfg.Paths.Fstab)

	return nil
}

// Discover returns the sorted list of disks to stripe.
func (p *Provisioner) Discover() ([]string, error) {
	devices, err := DiscoverDevices(p.cfg, p.filter)
	if err != nil {
		return nil, err
	}

	p.log.WithField("step", "discover").Infof("devices (boot %s excluded): %v",
		p.cfg.Boot(), devices)

	return devices, nil
}

// CurrentArray returns the configured array if mdstat lists it, or else any
// array holding one of the expected partitions, as when the kernel assembled
// the members as md127 at boot. exists is false if there is neither or md is
// not loaded.
func (p *Provisioner) CurrentArray(expected []string) (ArrayState, bool, error) {
	content, err := ioutil.ReadFile(p.cfg.Paths.Mdstat)
	if err != nil {
		if os.IsNotExist(err) {
			return ArrayState{}, false, nil
		}

		return ArrayState{}, false, errors.Wrapf(err, "failed to read %s", p.cfg.Paths.Mdstat)
	}

	arrays := ParseMdstat(content, p.cfg.DevDir)

	if state, ok := arrays[p.cfg.ArrayName()]; ok {
		return state, true, nil
	}

	names := []string{}
	for name := range arrays {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if arrays[name].HasAnyMember(expected) {
			return arrays[name], true, nil
		}
	}

	return ArrayState{}, false, nil
}

// PartitionDevices unmounts each device and writes its raid partition table.
func (p *Provisioner) PartitionDevices(ctx context.Context, devices []string) error {
	log := p.log.WithField("step", "partition")

	for _, d := range devices {
		log.Infof("unmounting and partitioning %s", d)

		p.ignore(ctx, "umount", d)

		if err := p.soft("partition", p.part.Partition(ctx, d)); err != nil {
			return errors.Wrapf(err, "failed to partition %s", d)
		}
	}

	return nil
}

// CollectPartitions waits for the raid partition of every device to appear,
// then returns them sorted and unmounted.
func (p *Provisioner) CollectPartitions(ctx context.Context, devices []string) ([]string, error) {
	log := p.log.WithField("step", "partition")
	expected := ExpectedPartitions(p.cfg, devices)

	if err := p.wait.WaitFor(ctx, "partition nodes", allExist(expected)); err != nil {
		return nil, errors.Wrapf(err, "partitions %v did not appear", expected)
	}

	if err := p.bestEffort(ctx, "settle", "udevadm", "settle"); err != nil {
		return nil, err
	}

	parts, err := ListPartitions(p.cfg, devices)
	if err != nil {
		return nil, err
	}

	log.Infof("partitions about to be added to the array: %v", parts)

	for _, part := range parts {
		p.ignore(ctx, "umount", part)
	}

	return parts, nil
}

// Finalize registers the array in fstab, mounts it, runs the post mount hook
// and reports the array state.
func (p *Provisioner) Finalize(ctx context.Context) error {
	a := p.cfg.Array
	log := p.log.WithField("step", "mount")

	content, err := ioutil.ReadFile(p.cfg.Paths.Fstab)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read %s", p.cfg.Paths.Fstab)
	}

	if HasMountPoint(content, a.MountPoint) {
		log.Infof("%s already has an entry for %s", p.cfg.Paths.Fstab, a.MountPoint)
	} else if err := AppendLines(p.cfg.Paths.Fstab, FstabEntry(a)); err != nil {
		return err
	}

	if err := p.bestEffort(ctx, "mount", "mkdir", "-p", a.MountPoint); err != nil {
		return err
	}

	if err := p.bestEffort(ctx, "mount", "mount", "-a"); err != nil {
		return err
	}

	if err := p.postMount(ctx); err != nil {
		return err
	}

	return p.diagnostics(ctx)
}

func (p *Provisioner) postMount(ctx context.Context) error {
	hook := p.cfg.PostMount
	if !hook.Enabled() {
		return nil
	}

	dir := filepath.Join(p.cfg.Array.MountPoint, hook.Subdir)
	p.log.WithField("step", "post-mount").Infof("creating %s for %q", dir, hook.Owner)

	if err := p.bestEffort(ctx, "post-mount", "mkdir", "-p", dir); err != nil {
		return err
	}

	if hook.Owner == "" {
		return nil
	}

	return p.bestEffort(ctx, "post-mount", "chown", "-R", hook.Owner, dir)
}

func (p *Provisioner) diagnostics(ctx context.Context) error {
	log := p.log.WithField("step", "status")

	if content, err := ioutil.ReadFile(p.cfg.Paths.Mdstat); err == nil {
		log.Infof("%s:\n%s", p.cfg.Paths.Mdstat, content)
	} else {
		log.WithError(err).Warnf("failed to read %s", p.cfg.Paths.Mdstat)
	}

	floor := strconv.Itoa(p.cfg.SpeedLimitMin) + "\n"
	if err := p.soft("status", ioutil.WriteFile(p.cfg.Paths.SpeedLimitMin, []byte(floor), 0644)); err != nil {
		return err
	}

	return p.bestEffort(ctx, "status", "mdadm", "--detail", p.cfg.Array.Device)
}

func (p *Provisioner) arrayStatePath() string {
	return path.Join(p.cfg.Paths.SysBlock, p.cfg.ArrayName(), "md", "array_state")
}

func (p *Provisioner) arrayActive() (bool, error) {
	content, err := ioutil.ReadFile(p.arrayStatePath())
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return ArrayStateActive(content), nil
}
