package client

import (
	"context"
	"errors"

	"github.com/marmos91/cephmount/internal/completion"
	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/pkg/inode"
	"github.com/marmos91/cephmount/pkg/metrics"
)

// Mount joins the cluster and opens cfg.Path.
//
// It sends a join request to a randomly chosen monitor and waits up to
// cfg.MountTimeout for the monitor, metadata and storage maps. Each timed-out
// wait consumes one of cfg.MountAttempts; when none remain Mount fails with
// KindTimeout. Cancelling ctx during a wait fails immediately with
// KindInterrupted. Once all maps are in, the root is opened once; the open
// itself is not cancellable through ctx.
//
// Maps already received survive a failed Mount, so a later call does not
// wait for them again.
func (c *Client) Mount(ctx context.Context, cfg Config) (*inode.Dentry, error) {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()

	cfg = cfg.withDefaults()
	start := c.clk.Now()
	d, err := c.mount(ctx, cfg)

	outcome := metrics.OutcomeMounted
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		outcome = metrics.OutcomeTimeout
	case errors.Is(err, ErrInterrupted):
		outcome = metrics.OutcomeInterrupted
	default:
		outcome = metrics.OutcomeError
	}
	c.metrics.RecordMountResult(outcome, c.clk.Since(start))

	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}
	c.setState(StateMounted)
	c.deps.Registry.RecordMount(c.id, cfg.Path, c.clk.Now())
	return d, nil
}

func (c *Client) mount(ctx context.Context, cfg Config) (*inode.Dentry, error) {
	if len(cfg.Monitors) == 0 {
		return nil, ErrNoMonitors
	}

	c.setState(StateAwaitingMaps)
	attempts := cfg.MountAttempts
	for !c.tracker.AllReady() {
		which := c.deps.PickMonitor(len(cfg.Monitors))
		logger.Info("mount from mon%d, %d attempts left", which, attempts)
		c.metrics.RecordMountAttempt(which)

		if err := c.monc.RequestMount(which, cfg.Monitors[which], c.transport.Addr()); err != nil {
			logger.Warn("mount: join request to mon%d (%s) failed: %v", which, cfg.Monitors[which], err)
		}

		err := c.tracker.Wait(ctx, cfg.MountTimeout)
		if err == nil || c.tracker.AllReady() {
			break
		}
		if !errors.Is(err, completion.ErrTimeout) {
			logger.Info("mount interrupted: %v", err)
			return nil, &Error{Kind: KindInterrupted, Op: "mount", Err: err}
		}

		attempts--
		if attempts == 0 {
			logger.Warn("mount timed out after %d attempts", cfg.MountAttempts)
			return nil, &Error{Kind: KindTimeout, Op: "mount", Err: err}
		}
	}

	c.setState(StateMapsReady)
	logger.Debug("client %s: all maps received, opening %q", c.id, cfg.Path)

	c.setState(StateOpeningRoot)
	return c.openRoot(ctx, cfg.Path)
}
