package raidvol

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrConflict is returned when the array device already exists with a member
// set other than the one this host would build.
var ErrConflict = errors.New("array exists with different members")

// Result is the outcome of running a single command.
type Result struct {
	// Args is the command that was run.
	Args []string

	// Stdout and Stderr are the captured output streams.
	Stdout []byte
	Stderr []byte

	// RC is the exit code. 127 is used when the command could not be started.
	RC int
}

// Err returns an error describing the failed command, or nil if RC is zero.
func (r Result) Err() error {
	if r.RC == 0 {
		return nil
	}

	return errors.New(cmdString(r.Args, r.Stdout, r.Stderr, r.RC))
}

func cmdString(args []string, out []byte, err []byte, rc int) string {
	tlen := len(err)
	if tlen == 0 || err[tlen-1] != '\n' {
		err = append(err, '\n')
	}

	tlen = len(out)
	if tlen == 0 || out[tlen-1] != '\n' {
		out = append(out, '\n')
	}

	return fmt.Sprintf(
		"command returned %d:\n cmd: %v\n out: %s err: %s",
		rc, strings.Join(args, " "), out, err)
}

// Runner runs privileged commands on the host. A Runner never returns an
// error for a command that ran and failed; the exit code is in the Result.
type Runner interface {
	// Run runs args[0] with args[1:], feeding stdin to the command if it is
	// not empty.
	Run(ctx context.Context, stdin string, args ...string) Result
}

// Condition reports whether some observable host state has been reached.
// A non-nil error stops the wait.
type Condition func() (bool, error)

// Waiter blocks until a condition holds.
type Waiter interface {
	// WaitFor polls cond until it returns true, returns an error, the
	// waiter's timeout expires or ctx is cancelled. what names the condition
	// for logs and errors.
	WaitFor(ctx context.Context, what string, cond Condition) error
}

// Partitioner writes a partition table with a single Linux RAID partition
// spanning the whole device.
type Partitioner interface {
	Partition(ctx context.Context, device string) error
}

// DeviceFilter is a filter function that returns true if the device path is
// accepted as a whole disk candidate, false otherwise.
type DeviceFilter func(path string) bool

// AcceptAll is a DeviceFilter that accepts every path.
func AcceptAll(string) bool {
	return true
}
