package raidvol

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PartitionerKind selects how partition tables are written.
type PartitionerKind string

const (
	// FdiskPartitioner drives fdisk with a fixed script.
	FdiskPartitioner PartitionerKind = "fdisk"

	// MBRPartitioner writes an msdos table directly.
	MBRPartitioner PartitionerKind = "mbr"

	// GPTPartitioner writes a protective MBR and a GPT directly.
	GPTPartitioner PartitionerKind = "gpt"
)

// Duration is a time.Duration that reads from yaml as "5s", "1m" etc.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d: bad duration %q", node.Line, s)
	}

	*d = Duration(v)

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ArrayConfig describes the array to build and where it goes.
type ArrayConfig struct {
	Device       string   `yaml:"device"`
	Level        int      `yaml:"level"`
	Chunk        int      `yaml:"chunk"`
	FSType       string   `yaml:"fstype"`
	MkfsArgs     []string `yaml:"mkfs_args"`
	ReadAhead    int      `yaml:"read_ahead"`
	MountPoint   string   `yaml:"mount_point"`
	MountOptions string   `yaml:"mount_options"`
	Attempts     int      `yaml:"attempts"`
	RetryDelay   Duration `yaml:"retry_delay"`
}

// PostMountHook creates Subdir under the mount point and hands it to Owner
// (user or user:group). It is disabled when Subdir is empty.
type PostMountHook struct {
	Subdir string `yaml:"subdir"`
	Owner  string `yaml:"owner"`
}

// Enabled reports whether the hook has anything to do.
func (h PostMountHook) Enabled() bool {
	return h.Subdir != ""
}

// WaitConfig controls polling for kernel and udev readiness.
type WaitConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// Paths are the host files the provisioner reads and edits.
type Paths struct {
	Fstab         string `yaml:"fstab"`
	Limits        string `yaml:"limits"`
	MdadmConf     string `yaml:"mdadm_conf"`
	Mdstat        string `yaml:"mdstat"`
	SpeedLimitMin string `yaml:"speed_limit_min"`
	SysBlock      string `yaml:"sys_block"`
}

// Config is the complete provisioning configuration.
type Config struct {
	// Prefix is the kernel name prefix of the candidate disks, e.g. "xvd".
	Prefix string `yaml:"prefix"`

	// BootDevice is excluded from discovery along with its partitions.
	// Defaults to <DevDir>/<Prefix>a.
	BootDevice string `yaml:"boot_device"`

	DevDir         string          `yaml:"dev_dir"`
	EphemeralMount string          `yaml:"ephemeral_mount"`
	Partitioner    PartitionerKind `yaml:"partitioner"`
	NoFile         int             `yaml:"nofile"`
	SpeedLimitMin  int             `yaml:"speed_limit_min"`

	// Strict makes failures of best-effort commands fatal.
	Strict bool `yaml:"strict"`

	Array     ArrayConfig   `yaml:"array"`
	PostMount PostMountHook `yaml:"post_mount"`
	Wait      WaitConfig    `yaml:"wait"`
	Paths     Paths         `yaml:"paths"`
}

// DefaultConfig returns the configuration used for an EC2 host with xvd disks.
func DefaultConfig() Config {
	return Config{
		Prefix:         "xvd",
		DevDir:         "/dev",
		EphemeralMount: "/mnt",
		Partitioner:    FdiskPartitioner,
		NoFile:         32768,
		SpeedLimitMin:  15000,
		Array: ArrayConfig{
			Device:       "/dev/md0",
			Level:        0,
			Chunk:        256,
			FSType:       "xfs",
			MkfsArgs:     []string{"-f"},
			ReadAhead:    512,
			MountPoint:   "/raid0",
			MountOptions: "defaults,nobootwait,noatime",
			Attempts:     3,
			RetryDelay:   Duration(5 * time.Second),
		},
		Wait: WaitConfig{
			Interval: Duration(500 * time.Millisecond),
			Timeout:  Duration(60 * time.Second),
		},
		Paths: Paths{
			Fstab:         "/etc/fstab",
			Limits:        "/etc/security/limits.conf",
			MdadmConf:     "/etc/mdadm/mdadm.conf",
			Mdstat:        "/proc/mdstat",
			SpeedLimitMin: "/proc/sys/dev/raid/speed_limit_min",
			SysBlock:      "/sys/block",
		},
	}
}

// LoadConfig reads the yaml file at fpath over DefaultConfig. An empty fpath
// returns the defaults. Unknown keys are an error.
func LoadConfig(fpath string) (Config, error) {
	cfg := DefaultConfig()

	if fpath == "" {
		return cfg, nil
	}

	content, err := ioutil.ReadFile(fpath)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %s", fpath)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, errors.Wrapf(err, "failed to parse config %s", fpath)
	}

	return cfg, cfg.Validate()
}

// Boot returns the boot device path.
func (c Config) Boot() string {
	if c.BootDevice != "" {
		return c.BootDevice
	}

	return path.Join(c.DevDir, c.Prefix+"a")
}

// ArrayName returns the kernel name of the array, "md0" for "/dev/md0".
func (c Config) ArrayName() string {
	return path.Base(c.Array.Device)
}

// Validate checks the configuration for values the provisioner can not act on.
func (c Config) Validate() error {
	if c.Prefix == "" {
		return fmt.Errorf("prefix must not be empty")
	}

	if c.DevDir == "" || !filepath.IsAbs(c.DevDir) {
		return fmt.Errorf("dev_dir %q must be an absolute path", c.DevDir)
	}

	if !filepath.IsAbs(c.Array.MountPoint) {
		return fmt.Errorf("mount point %q must be an absolute path", c.Array.MountPoint)
	}

	if c.Array.Device == "" {
		return fmt.Errorf("array device must not be empty")
	}

	if c.Array.Level != 0 {
		return fmt.Errorf("unsupported raid level %d, only 0 is supported", c.Array.Level)
	}

	if c.Array.Chunk <= 0 {
		return fmt.Errorf("chunk must be positive, found %d", c.Array.Chunk)
	}

	if c.Array.Attempts <= 0 {
		return fmt.Errorf("attempts must be positive, found %d", c.Array.Attempts)
	}

	if c.Array.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive")
	}

	if c.Array.FSType == "" {
		return fmt.Errorf("fstype must not be empty")
	}

	switch c.Partitioner {
	case FdiskPartitioner, MBRPartitioner, GPTPartitioner:
	default:
		return fmt.Errorf("unknown partitioner %q", c.Partitioner)
	}

	if c.Wait.Interval <= 0 || c.Wait.Timeout <= 0 {
		return fmt.Errorf("wait interval and timeout must be positive")
	}

	if c.PostMount.Enabled() && filepath.IsAbs(c.PostMount.Subdir) {
		return fmt.Errorf("post_mount subdir %q must be relative to the mount point",
			c.PostMount.Subdir)
	}

	return nil
}
