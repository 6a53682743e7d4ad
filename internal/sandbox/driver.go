package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/boxlite-ai/claudebox/internal/config"
	"github.com/boxlite-ai/claudebox/internal/errors"
	"github.com/boxlite-ai/claudebox/internal/logging"
)

// Driver provisions sandboxes against a runtime, retrying transient
// primitive failures with bounded backoff and guaranteeing that nothing
// acquired during a failed provision outlives it.
type Driver struct {
	runtime    Runtime
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
}

// NewDriver creates a Driver. The logger may be nil.
func NewDriver(runtime Runtime, cfg config.Provision, logger *logging.Logger) *Driver {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Driver{
		runtime:    runtime,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff(),
		logger:     logger.WithComponent("sandbox"),
	}
}

// Runtime returns the runtime the driver provisions against.
func (d *Driver) Runtime() Runtime { return d.runtime }

// Provision boots a sandbox for the spec. Transient failures
// (ErrRuntimeUnavailable) are retried up to the configured budget with
// doubling backoff; rejections by the runtime's own enforcement surface
// immediately. On any failure everything acquired so far is released.
func (d *Driver) Provision(ctx context.Context, spec Spec) (*Sandbox, error) {
	return d.provision(ctx, spec, func(ctx context.Context) (Box, error) {
		return d.runtime.Create(ctx, spec)
	})
}

// Resume boots a sandbox from a snapshot, with the same retry and release
// guarantees as Provision. ErrSnapshotUnsupported is surfaced untouched so
// the caller can fall back to a fresh provision.
func (d *Driver) Resume(ctx context.Context, snapshotRef string, spec Spec) (*Sandbox, error) {
	return d.provision(ctx, spec, func(ctx context.Context) (Box, error) {
		return d.runtime.Resume(ctx, snapshotRef, spec)
	})
}

func (d *Driver) provision(ctx context.Context, spec Spec, boot func(context.Context) (Box, error)) (*Sandbox, error) {
	logger := d.logger.WithSession(spec.SessionID)

	var lastErr error
	backoff := d.backoff
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying sandbox provision",
				"attempt", attempt,
				"backoff", backoff.String(),
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		box, err := boot(ctx)
		if err != nil {
			lastErr = err
			if errors.Is(err, errors.ErrRuntimeUnavailable) {
				continue
			}
			// Policy rejections, unsupported snapshots, and everything
			// else are not retryable at this layer.
			return nil, err
		}

		sb := &Sandbox{box: box, runtime: d.runtime}
		if err := d.verify(ctx, sb); err != nil {
			// Release the half-provisioned box before reporting. A destroy
			// failure is logged but must not mask the provision error.
			if destroyErr := sb.Destroy(ctx); destroyErr != nil {
				logger.Error("failed to release sandbox after provision failure",
					"sandbox_id", box.ID(),
					"error", destroyErr,
				)
			}
			lastErr = err
			if errors.Is(err, errors.ErrRuntimeUnavailable) {
				continue
			}
			return nil, err
		}

		logger.Info("sandbox provisioned",
			"sandbox_id", box.ID(),
			"runtime", d.runtime.Name(),
			"attempts", attempt+1,
		)
		return sb, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %v",
		errors.ErrProvisionFailure, d.maxRetries+1, lastErr)
}

// verify confirms the freshly booted box is actually reachable before it is
// handed out. A box that reports dead right after boot counts as a transient
// runtime failure.
func (d *Driver) verify(ctx context.Context, sb *Sandbox) error {
	if !sb.Alive(ctx) {
		return fmt.Errorf("%w: box %s dead after boot", errors.ErrRuntimeUnavailable, sb.ID())
	}
	return nil
}
