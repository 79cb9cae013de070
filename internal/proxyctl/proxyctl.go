// ABOUTME: Non-throwing systemctl/xray wrapper with bounded timeouts.
// ABOUTME: Every operation returns a typed Result instead of a Go error.

package proxyctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Production defaults; overridable through Config for tests and unusual
// installs.
const (
	DefaultUnit   = "xray"
	DefaultBinary = "/usr/local/bin/xray"

	statusTimeout   = 3 * time.Second
	restartTimeout  = 10 * time.Second
	validateTimeout = 10 * time.Second
	defaultGrace    = 2 * time.Second
)

// Outcome classifies how an external command ended.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"        // ran and reported success
	OutcomeFailed   Outcome = "failed"    // ran and reported failure
	OutcomeTimeout  Outcome = "timeout"   // deadline hit before completion
	OutcomeNotFound Outcome = "not_found" // binary not present on this host
)

// Result is the return value of every controller operation. Failures are
// data, not errors: the caller decides whether to retry on the next tick.
type Result struct {
	Outcome Outcome
	Detail  string
}

// OK reports whether the operation ran and succeeded.
func (r Result) OK() bool {
	return r.Outcome == OutcomeOK
}

// Config configures a Controller. Zero-valued fields fall back to the
// production defaults above.
type Config struct {
	Unit      string        // systemd unit managing the proxy
	Binary    string        // proxy executable, used for config validation
	Systemctl string        // systemctl executable
	Grace     time.Duration // settle time between restart and status poll
}

// Controller manages the proxy unit. Safe for concurrent use; it holds no
// state beyond configuration.
type Controller struct {
	unit      string
	binary    string
	systemctl string
	grace     time.Duration
	logger    *slog.Logger
}

// New creates a controller for the configured unit.
func New(cfg Config) *Controller {
	if cfg.Unit == "" {
		cfg.Unit = DefaultUnit
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Systemctl == "" {
		cfg.Systemctl = "systemctl"
	}
	if cfg.Grace == 0 {
		cfg.Grace = defaultGrace
	}

	return &Controller{
		unit:      cfg.Unit,
		binary:    cfg.Binary,
		systemctl: cfg.Systemctl,
		grace:     cfg.Grace,
		logger:    slog.Default().With("component", "proxyctl"),
	}
}

// Restart restarts the proxy unit and confirms it came back up. OK means
// the unit reported active after the restart, nothing less.
func (c *Controller) Restart(ctx context.Context) Result {
	return c.cycle(ctx, "restart")
}

// Start starts the unit and confirms it is running. Used when a sweep finds
// the proxy down.
func (c *Controller) Start(ctx context.Context) Result {
	return c.cycle(ctx, "start")
}

// cycle issues a start or restart, waits the grace period for the unit to
// settle, then verifies it reports active.
func (c *Controller) cycle(ctx context.Context, verb string) Result {
	_, res := c.run(ctx, restartTimeout, c.systemctl, verb, c.unit)
	if !res.OK() {
		c.logger.Error("unit command failed",
			"verb", verb, "unit", c.unit, "outcome", res.Outcome, "detail", res.Detail)
		return res
	}

	// is-active lies for a moment right after systemctl returns.
	select {
	case <-time.After(c.grace):
	case <-ctx.Done():
		return Result{Outcome: OutcomeTimeout, Detail: ctx.Err().Error()}
	}

	state, detail := c.Status(ctx)
	if state != "active" {
		c.logger.Error("unit did not come up", "verb", verb, "unit", c.unit, "state", state)
		return Result{
			Outcome: OutcomeFailed,
			Detail:  fmt.Sprintf("unit %s after %s: %s", state, verb, detail),
		}
	}

	c.logger.Info("unit running", "verb", verb, "unit", c.unit)
	return Result{Outcome: OutcomeOK, Detail: "active"}
}

// Status returns the unit's run state ("active", "inactive", "failed", ...)
// without side effects. Execution problems map to "unknown" with the cause
// in detail, never an error: status is advisory.
func (c *Controller) Status(ctx context.Context) (state, detail string) {
	out, res := c.run(ctx, statusTimeout, c.systemctl, "is-active", c.unit)

	// is-active exits non-zero for every non-active state but still prints
	// the state itself, so a failed run with output is a valid answer.
	if out != "" && (res.Outcome == OutcomeOK || res.Outcome == OutcomeFailed) {
		return out, ""
	}
	return "unknown", res.Detail
}

// IsActive reports whether the unit is currently running.
func (c *Controller) IsActive(ctx context.Context) bool {
	state, _ := c.Status(ctx)
	return state == "active"
}

// Validate runs the proxy's own config check against the document at path.
// Used for reporting each sweep, and optionally as a restart gate.
func (c *Controller) Validate(ctx context.Context, path string) Result {
	_, res := c.run(ctx, validateTimeout, c.binary, "-test", "-config", path)
	if res.OK() {
		res.Detail = ""
	}
	return res
}

// run executes one command under the given timeout and classifies the
// outcome. Stdout is returned trimmed; stderr feeds the failure detail.
func (c *Controller) run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, Result) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, name, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	out := strings.TrimSpace(stdout.String())

	switch {
	case err == nil:
		return out, Result{Outcome: OutcomeOK, Detail: out}
	case ctx.Err() != nil:
		return out, Result{
			Outcome: OutcomeTimeout,
			Detail:  fmt.Sprintf("%s %s: %v", name, strings.Join(args, " "), ctx.Err()),
		}
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		// ErrNotFound covers PATH lookups, ErrNotExist absolute paths.
		return out, Result{Outcome: OutcomeNotFound, Detail: err.Error()}
	default:
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return out, Result{Outcome: OutcomeFailed, Detail: detail}
	}
}
