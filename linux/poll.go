package linux

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"machinerun.io/raidvol"
)

var errNotReady = errors.New("not ready")

// Poller is a raidvol.Waiter that re-checks a condition every Interval until
// Timeout has passed.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
	Log      logrus.FieldLogger
}

// NewPoller returns a Poller on the wall clock using the wait settings of cfg.
func NewPoller(cfg raidvol.WaitConfig, log logrus.FieldLogger) *Poller {
	return &Poller{
		Interval: time.Duration(cfg.Interval),
		Timeout:  time.Duration(cfg.Timeout),
		Clock:    clock.WallClock,
		Log:      log.WithField("component", "poller"),
	}
}

// WaitFor implements raidvol.Waiter.
func (p *Poller) WaitFor(ctx context.Context, what string, cond raidvol.Condition) error {
	var condErr error

	start := p.Clock.Now()
	checks := 0

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			checks++

			ok, err := cond()
			if err != nil {
				condErr = err
				return err
			}

			if !ok {
				return errNotReady
			}

			return nil
		},
		IsFatalError: func(err error) bool {
			return err != errNotReady
		},
		MaxDuration: p.Timeout,
		Delay:       p.Interval,
		Clock:       p.Clock,
		Stop:        ctx.Done(),
	})

	switch {
	case err == nil:
		p.Log.Debugf("%s ready after %d check(s), %s", what, checks, p.Clock.Now().Sub(start))
		return nil
	case condErr != nil:
		return errors.Wrapf(condErr, "failed checking %s", what)
	case ctx.Err() != nil:
		return errors.Wrapf(ctx.Err(), "stopped waiting for %s", what)
	}

	return fmt.Errorf("timed out after %s waiting for %s", p.Timeout, what)
}
