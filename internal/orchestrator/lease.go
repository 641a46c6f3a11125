package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/mpataki/testorch/internal/models"
	"github.com/mpataki/testorch/internal/storage"
)

const staleReason = "stale cycle recovered"

// cycle is one lease-holding unit of work on a project. Every state write
// for the project goes through it.
type cycle struct {
	o         *Orchestrator
	op        string
	projectID string
	holder    string
	project   *models.Project
	logger    *log.Logger
}

// begin acquires the project's lease. A held lease is a Conflict; the
// request is never queued. If the lease was free but the project still sits
// in an in-flight state, its previous holder died and the state is settled
// to FAILED before the new step starts.
func (o *Orchestrator) begin(ctx context.Context, op, projectID string) (*cycle, error) {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newError(KindNotFound, op, projectID, "project not found", err)
		}
		return nil, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}
	return o.acquire(ctx, op, projectID)
}

func (o *Orchestrator) acquire(ctx context.Context, op, projectID string) (*cycle, error) {
	holder := o.newID()
	if err := o.store.AcquireLease(ctx, projectID, holder, o.now(), o.cfg.LeaseTTL); err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			o.metrics.RecordConflict(op)
			return nil, newError(KindConflict, op, projectID, "another cycle is in flight for this project", err)
		}
		return nil, fmt.Errorf("failed to acquire lease for %s: %w", projectID, err)
	}
	o.metrics.ActiveLeases.Inc()

	c := &cycle{
		o:         o,
		op:        op,
		projectID: projectID,
		holder:    holder,
		logger:    o.logger.With("project", projectID, "op", op),
	}

	p, err := o.store.GetProject(ctx, projectID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.release(ctx)
		return nil, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}
	if p != nil && p.State.InFlight() {
		c.logger.Warn("recovering stale in-flight state", "state", p.State)
		c.project = p
		if err := c.transition(ctx, models.StateChange{State: models.StateFailed, Reason: staleReason, Class: "stale"}); err != nil {
			c.release(ctx)
			return nil, err
		}
	}
	c.project = p
	return c, nil
}

// renew extends the lease before a long step so a multi-step cycle does
// not lose it halfway. A lease that expired and was taken over, or already
// released by the newer holder, is never re-taken.
func (c *cycle) renew(ctx context.Context) error {
	o := c.o
	err := o.store.RenewLease(context.WithoutCancel(ctx), c.projectID, c.holder, o.now(), o.cfg.LeaseTTL)
	if err != nil {
		return c.leaseError(err)
	}
	return nil
}

func (c *cycle) leaseError(err error) error {
	if errors.Is(err, storage.ErrLeaseHeld) {
		c.o.metrics.RecordConflict(c.op)
		c.logger.Warn("lease lost, dropping cycle result")
		return newError(KindConflict, c.op, c.projectID, "lease lost to another cycle", err)
	}
	return fmt.Errorf("failed to renew lease for %s: %w", c.projectID, err)
}

// release always runs, even for a cancelled caller.
func (c *cycle) release(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := c.o.store.ReleaseLease(ctx, c.projectID, c.holder); err != nil {
		c.logger.Error("failed to release lease", "err", err)
	}
	c.o.metrics.ActiveLeases.Dec()
}

// transition validates and persists a state change. The whole project
// record is written at once, so artifact and run pointers set on c.project
// before the call land together with the new state. The write only lands
// while this cycle still owns the lease; otherwise c.project is reloaded
// and the change is dropped.
func (c *cycle) transition(ctx context.Context, change models.StateChange) error {
	ctx = context.WithoutCancel(ctx)
	o, p := c.o, c.project
	from := p.State
	if from != change.State && !models.CanTransition(from, change.State) {
		return invalidState(c.op, p.ID, "cannot move from %s to %s", from, change.State)
	}

	p.Apply(change)
	if err := o.store.PutProjectLeased(ctx, p, c.holder, o.now(), o.cfg.LeaseTTL); err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			if current, gerr := o.store.GetProject(ctx, p.ID); gerr == nil {
				c.project = current
			}
			return c.leaseError(err)
		}
		return fmt.Errorf("failed to persist state %s for %s: %w", change.State, p.ID, err)
	}

	o.metrics.RecordTransition(string(from), string(change.State))
	if change.Reason != "" {
		c.logger.Info("state changed", "from", from, "state", change.State, "class", change.Class, "reason", change.Reason)
	} else {
		c.logger.Info("state changed", "from", from, "state", change.State)
	}
	return nil
}

// RecoverStale settles projects whose in-flight state has no live lease
// behind it, which happens when a worker crashes mid-cycle. It returns the
// ids of the recovered projects.
func (o *Orchestrator) RecoverStale(ctx context.Context) ([]string, error) {
	ctx, finish := o.startOp(ctx, "recover", "")
	var err error
	defer func() { finish(err) }()

	projects, err := o.store.ListProjects(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list projects: %w", err)
		return nil, err
	}

	var recovered []string
	for _, p := range projects {
		if !p.State.InFlight() {
			continue
		}
		held, herr := o.store.LeaseHeld(ctx, p.ID, o.now())
		if herr != nil {
			err = fmt.Errorf("failed to check lease for %s: %w", p.ID, herr)
			return recovered, err
		}
		if held {
			continue
		}

		// acquire settles the in-flight state itself.
		c, aerr := o.acquire(ctx, "recover", p.ID)
		if KindOf(aerr) == KindConflict {
			continue
		}
		if aerr != nil {
			err = aerr
			return recovered, err
		}
		if c.project.StateReason == staleReason {
			recovered = append(recovered, p.ID)
		}
		c.release(ctx)
	}
	return recovered, nil
}
