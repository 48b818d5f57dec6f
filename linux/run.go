package linux

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"machinerun.io/raidvol"
)

const (
	// noCommandRC is the exit code reported for a command that could not start.
	noCommandRC = 127

	lookPathTTL = 10 * time.Minute
)

// Runner is the os/exec implementation of raidvol.Runner. Every command is
// logged with its duration: stdout at info, stderr and failures at error.
type Runner struct {
	log   logrus.FieldLogger
	paths *cache.Cache
}

// NewRunner returns a Runner logging to log.
func NewRunner(log logrus.FieldLogger) *Runner {
	return &Runner{
		log:   log.WithField("component", "runner"),
		paths: cache.New(lookPathTTL, lookPathTTL),
	}
}

func getCommandErrorRCDefault(err error, rcError int) int {
	if err == nil {
		return 0
	}

	exitError, ok := err.(*exec.ExitError)
	if ok {
		if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}

	return rcError
}

func getCommandErrorRC(err error) int {
	return getCommandErrorRCDefault(err, noCommandRC)
}

// lookPath resolves a bare command name on PATH, remembering the answer so a
// run issuing mdadm a dozen times searches PATH once.
func (r *Runner) lookPath(name string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}

	if found, ok := r.paths.Get(name); ok {
		return found.(string), nil
	}

	found, err := exec.LookPath(name)
	if err != nil {
		return "", err
	}

	r.paths.Set(name, found, cache.DefaultExpiration)

	return found, nil
}

// Run implements raidvol.Runner.
func (r *Runner) Run(ctx context.Context, stdin string, args ...string) raidvol.Result {
	res := raidvol.Result{Args: args}

	bin, err := r.lookPath(args[0])
	if err != nil {
		res.RC = noCommandRC
		res.Stderr = []byte(err.Error())
		r.logResult(res, 0)

		return res
	}

	cmd := exec.CommandContext(ctx, bin, args[1:]...) //nolint:gosec

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	res.RC = getCommandErrorRC(err)

	r.logResult(res, duration)

	return res
}

func (r *Runner) logResult(res raidvol.Result, duration time.Duration) {
	log := r.log.WithFields(logrus.Fields{
		"cmd":      strings.Join(res.Args, " "),
		"duration": duration.String(),
	})

	if len(res.Stdout) != 0 {
		log.Info(strings.TrimRight(string(res.Stdout), "\n"))
	}

	if len(res.Stderr) != 0 {
		log.Error(strings.TrimRight(string(res.Stderr), "\n"))
	}

	if res.RC != 0 {
		log.Errorf("exited %d", res.RC)
	} else if len(res.Stdout) == 0 {
		log.Debug("ok")
	}
}
