// Package recovery implements the take-over / reconciliation procedure
// (protocol §4.5, component C6): it is invoked whenever phase A of a normal
// coordinator session finds a target with a PREPARED tail left behind by an
// interrupted session, and decides what the abandoned change's fate should
// have been before driving every reachable node to that fate.
package recovery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tc-dynconf/configchange/internal/audit"
	"github.com/tc-dynconf/configchange/internal/coordinator"
	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/nodestate"
	"github.com/tc-dynconf/configchange/internal/record"
)

// Outcome is the fate recovery elects for the abandoned change.
type Outcome string

const (
	OutcomeCommit   Outcome = "COMMIT"
	OutcomeRollback Outcome = "ROLLBACK"
)

// Partition groups every target by its relationship to the abandoned change
// uuid U discovered in phase A (protocol §4.5 step 2).
type Partition struct {
	UUID uuid.UUID

	Prepared   []coordinator.NodeClient // P: tail is PREPARED with uuid U
	Committed  []coordinator.NodeClient // C: tail is COMMITTED U
	RolledBack []coordinator.NodeClient // R: tail is ROLLED_BACK U
	Unseen     []coordinator.NodeClient // X: tail is an earlier terminal record, never saw U

	// sample is a representative record carrying U's payload, taken from
	// whichever target supplied it first (P, then C, then R). Repair needs
	// it to replay the change onto X.
	sample record.Record
}

func discoverEach(ctx context.Context, targets []coordinator.NodeClient) ([]nodestate.DiscoverResponse, []error) {
	resps := make([]nodestate.DiscoverResponse, len(targets))
	errs := make([]error, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			resp, err := t.Discover(gctx)
			resps[i] = resp
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return resps, errs
}

// Discover runs phase 1 of the recovery procedure: it discovers every
// target, picks the abandoned change's uuid U from whichever target still
// has a PREPARED tail, and partitions the targets against it.
func Discover(ctx context.Context, targets []coordinator.NodeClient) (*Partition, error) {
	resps, errs := discoverEach(ctx, targets)
	for i, err := range errs {
		if err != nil {
			return nil, errkind.New(errkind.Unreachable, fmt.Sprintf("%s: %v", targets[i].Target(), err), errkind.Counters{})
		}
	}

	var u uuid.UUID
	for _, r := range resps {
		if r.Mode == nodestate.Prepared && r.LatestChange != nil {
			u = r.LatestChange.UUID
			break
		}
	}
	if u == uuid.Nil {
		return nil, fmt.Errorf("recovery: no target has a PREPARED tail; nothing to recover")
	}

	p := &Partition{UUID: u}
	for i, r := range resps {
		t := targets[i]
		switch {
		case r.Mode == nodestate.Prepared && r.LatestChange != nil && r.LatestChange.UUID == u:
			p.Prepared = append(p.Prepared, t)
			p.sample = *r.LatestChange
		case r.LatestChange != nil && r.LatestChange.UUID == u && r.LatestChange.State == record.Committed:
			p.Committed = append(p.Committed, t)
			p.sample = *r.LatestChange
		case r.LatestChange != nil && r.LatestChange.UUID == u && r.LatestChange.State == record.RolledBack:
			p.RolledBack = append(p.RolledBack, t)
			p.sample = *r.LatestChange
		default:
			p.Unseen = append(p.Unseen, t)
		}
	}
	return p, nil
}

// Decide elects commit or rollback for the abandoned change (protocol §4.5
// step 3). forceCommit lets the operator override the default-rollback
// policy for the all-P-or-X case, asserting that every unseen node is
// unreachable and the change is known-good; the caller is responsible for
// that assertion, Decide does not attempt to verify it.
func (p *Partition) Decide(forceCommit bool) Outcome {
	switch {
	case len(p.Committed) > 0:
		return OutcomeCommit
	case len(p.RolledBack) > 0:
		return OutcomeRollback
	case forceCommit:
		return OutcomeCommit
	default:
		return OutcomeRollback
	}
}

// Report is the structured result of one recovery run, mirroring
// coordinator.Verdict for the CLI's benefit (protocol §7).
type Report struct {
	UUID      uuid.UUID
	Outcome   Outcome
	TakenOver []coordinator.NodeResult
	Applied   []coordinator.NodeResult
	Unseen    []string
}

// Recovery drives the take-over procedure against a Partition already
// produced by Discover.
type Recovery struct {
	CoordTimeout func(context.Context) (context.Context, context.CancelFunc)
	Audit        *audit.Logger
}

// New builds a Recovery that shares a coordinator's audit sink.
func New(auditLogger *audit.Logger) *Recovery {
	return &Recovery{Audit: auditLogger}
}

func (rc *Recovery) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if rc.CoordTimeout != nil {
		return rc.CoordTimeout(ctx)
	}
	return context.WithCancel(ctx)
}

func (rc *Recovery) log(ctx context.Context, op, target string, id uuid.UUID, host, user string, err error) {
	if rc.Audit == nil {
		return
	}
	ev := audit.Event{Component: "recovery", Op: op, NodeID: target, Host: host, User: user, ChangeUUID: id.String(), Accepted: err == nil}
	if err != nil {
		ev.RejectKind = errkind.KindOf(err)
		ev.Reason = err.Error()
	}
	rc.Audit.Record(ctx, ev)
}

// Run executes protocol §4.5 steps 1-4: take_over(U) every node in P, then
// apply the decided outcome to those same nodes (C and R are already
// resolved and are left untouched; X needs the separate Repair step).
func (rc *Recovery) Run(ctx context.Context, p *Partition, host, user string, forceCommit bool) (*Report, error) {
	outcome := p.Decide(forceCommit)

	takeOvers := make([]coordinator.NodeResult, len(p.Prepared))
	preTakeOver, preErrs := discoverEach(ctx, p.Prepared)

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range p.Prepared {
		i, t := i, t
		g.Go(func() error {
			if preErrs[i] != nil {
				takeOvers[i] = coordinator.NodeResult{Target: t.Target(), Err: preErrs[i]}
				return nil
			}
			cctx, cancel := rc.ctx(gctx)
			defer cancel()
			rec, err := t.TakeOver(cctx, nodestate.TakeOverRequest{ExpectedMutativeCount: preTakeOver[i].MutativeMessageCount, PriorUUID: p.UUID, Host: host, User: user})
			takeOvers[i] = coordinator.NodeResult{Target: t.Target(), Accepted: err == nil, Record: rec, Err: err}
			rc.log(ctx, "take_over", t.Target(), p.UUID, host, user, err)
			return nil
		})
	}
	_ = g.Wait()

	// TakeOver is itself a mutative call (protocol §4.6): the counter the
	// subsequent commit/rollback must present is whatever take_over's
	// acceptance bumped it to. We don't have that count directly (TakeOver's
	// response is the tail record, not a counter), so we re-discover rather
	// than guess.
	applied := make([]coordinator.NodeResult, len(p.Prepared))
	postTakeOver, errs := discoverEach(ctx, p.Prepared)
	for i, t := range p.Prepared {
		if !takeOvers[i].Accepted {
			applied[i] = takeOvers[i]
			continue
		}
		if errs[i] != nil {
			applied[i] = coordinator.NodeResult{Target: t.Target(), Err: errs[i]}
			continue
		}
		expectedCount := postTakeOver[i].MutativeMessageCount
		cctx, cancel := rc.ctx(ctx)
		var rec record.Record
		var err error
		if outcome == OutcomeCommit {
			rec, err = t.Commit(cctx, nodestate.CommitRequest{ExpectedMutativeCount: expectedCount, ChangeUUID: p.UUID, Host: host, User: user})
		} else {
			rec, err = t.Rollback(cctx, nodestate.RollbackRequest{ExpectedMutativeCount: expectedCount, ChangeUUID: p.UUID, Host: host, User: user})
		}
		cancel()
		applied[i] = coordinator.NodeResult{Target: t.Target(), Accepted: err == nil, Record: rec, Err: err}
		op := "rollback"
		if outcome == OutcomeCommit {
			op = "commit"
		}
		rc.log(ctx, op, t.Target(), p.UUID, host, user, err)
	}

	unseen := make([]string, len(p.Unseen))
	for i, t := range p.Unseen {
		unseen[i] = t.Target()
	}

	return &Report{UUID: p.UUID, Outcome: outcome, TakenOver: takeOvers, Applied: applied, Unseen: unseen}, nil
}

// Repair brings X forward (protocol §4.5 step 5) by replaying the
// partition's sample payload as an ordinary coordinator session targeting
// only the unseen nodes. It is a plain coordinator.Run call, not a recovery
// primitive: the unseen nodes never saw U, so they just need a normal
// prepare/commit for the same change content under a fresh change_uuid.
func Repair(ctx context.Context, c *coordinator.Coordinator, p *Partition, host, user string) (*coordinator.Verdict, error) {
	if len(p.Unseen) == 0 {
		return nil, nil
	}
	return c.Run(ctx, p.Unseen, coordinator.ChangeRequest{Payload: p.sample.Payload, Host: host, User: user})
}
