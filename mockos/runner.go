// Package mockos provides in-memory implementations of the raidvol host
// interfaces for tests.
package mockos

import (
	"context"
	"strings"
	"sync"

	"machinerun.io/raidvol"
)

// Call is a recorded Runner invocation.
type Call struct {
	Stdin string
	Args  []string
}

// String returns the command line of the call.
func (c Call) String() string {
	return strings.Join(c.Args, " ")
}

// Rule decides the result of commands whose command line starts with Prefix.
type Rule struct {
	prefix string
	result raidvol.Result
	hook   func(c Call)
	times  int
	used   int
}

// Return sets the result returned for matching commands. Args is filled in.
func (r *Rule) Return(res raidvol.Result) *Rule {
	r.result = res
	return r
}

// Stdout is a shortcut for Return with a successful result printing out.
func (r *Rule) Stdout(out string) *Rule {
	r.result = raidvol.Result{Stdout: []byte(out)}
	return r
}

// Fail makes matching commands exit rc with stderr.
func (r *Rule) Fail(rc int, stderr string) *Rule {
	r.result = raidvol.Result{RC: rc, Stderr: []byte(stderr)}
	return r
}

// Do runs hook for every matching command, before the result is returned.
// Hooks stand in for the side effects of the real command.
func (r *Rule) Do(hook func(c Call)) *Rule {
	r.hook = hook
	return r
}

// Times limits the rule to n matches, after which later rules are tried.
func (r *Rule) Times(n int) *Rule {
	r.times = n
	return r
}

func (r *Rule) live() bool {
	return r.times == 0 || r.used < r.times
}

// Runner is a raidvol.Runner that records every command and answers from
// rules. Commands with no matching rule succeed with no output.
type Runner struct {
	mu    sync.Mutex
	calls []Call
	rules []*Rule
}

// NewRunner returns an empty Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// On adds a rule for command lines starting with prefix. Rules are tried in
// the order they were added.
func (r *Runner) On(prefix string) *Rule {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule := &Rule{prefix: prefix}
	r.rules = append(r.rules, rule)

	return rule
}

// Run implements raidvol.Runner.
func (r *Runner) Run(ctx context.Context, stdin string, args ...string) raidvol.Result {
	call := Call{Stdin: stdin, Args: append([]string{}, args...)}
	line := call.String()

	r.mu.Lock()
	r.calls = append(r.calls, call)

	var rule *Rule

	for _, candidate := range r.rules {
		if candidate.live() && strings.HasPrefix(line, candidate.prefix) {
			rule = candidate
			rule.used++

			break
		}
	}
	r.mu.Unlock()

	if rule == nil {
		return raidvol.Result{Args: args}
	}

	if rule.hook != nil {
		rule.hook(call)
	}

	res := rule.result
	res.Args = args

	return res
}

// Calls returns the recorded calls in order.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Call{}, r.calls...)
}

// Commands returns the recorded command lines in order.
func (r *Runner) Commands() []string {
	lines := []string{}
	for _, c := range r.Calls() {
		lines = append(lines, c.String())
	}

	return lines
}

// Ran returns the recorded command lines that start with prefix.
func (r *Runner) Ran(prefix string) []string {
	lines := []string{}

	for _, l := range r.Commands() {
		if strings.HasPrefix(l, prefix) {
			lines = append(lines, l)
		}
	}

	return lines
}
