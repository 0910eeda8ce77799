package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tc-dynconf/configchange/internal/audit"
	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/evaluator"
	"github.com/tc-dynconf/configchange/internal/metrics"
	"github.com/tc-dynconf/configchange/internal/nodestate"
	"github.com/tc-dynconf/configchange/internal/record"
	"github.com/tc-dynconf/configchange/internal/topology"
)

// Outcome is the coordinator's final verdict on a session (protocol §6/§7).
type Outcome string

const (
	OutcomeCommitted       Outcome = "COMMITTED"
	OutcomeRolledBack      Outcome = "ROLLED_BACK"
	OutcomeAborted         Outcome = "ABORTED"
	OutcomePartialCommit   Outcome = "PARTIAL_COMMIT"
	OutcomePartialRollback Outcome = "PARTIAL_ROLLBACK"
)

// NodeResult is one target's terminal status for the session.
type NodeResult struct {
	Target   string
	Accepted bool
	Record   record.Record
	Err      error

	// expectedAfterPrepare is the expected_mutative_count the following
	// commit/rollback call must present; it is not part of the public
	// verdict, only scratch state threaded between phaseC and phaseE.
	expectedAfterPrepare int64
}

// Verdict is the structured result handed back to the CLI (protocol §7:
// "the coordinator reports a structured verdict to the CLI").
type Verdict struct {
	Outcome    Outcome
	ChangeUUID uuid.UUID
	NewVersion int64
	Reason     string
	Results    []NodeResult
}

// Coordinator drives change sessions against a fixed per-call deadline
// (protocol §5: "the coordinator MUST apply a per-call deadline").
type Coordinator struct {
	CallTimeout time.Duration
	Eval        evaluator.Evaluator
	Audit       *audit.Logger
}

// New builds a Coordinator with sane defaults; zero value is also usable.
func New(audit *audit.Logger) *Coordinator {
	return &Coordinator{CallTimeout: 10 * time.Second, Eval: evaluator.New(), Audit: audit}
}

func (c *Coordinator) timeout() time.Duration {
	if c.CallTimeout <= 0 {
		return 10 * time.Second
	}
	return c.CallTimeout
}

func (c *Coordinator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout())
}

// discoverAll runs Phase A/D discovery concurrently across targets, bounded
// by the coordinator's per-call deadline, and returns one response (or
// error) per target in input order.
func (c *Coordinator) discoverAll(ctx context.Context, targets []NodeClient) ([]nodestate.DiscoverResponse, []error) {
	resps := make([]nodestate.DiscoverResponse, len(targets))
	errs := make([]error, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			cctx, cancel := c.callCtx(gctx)
			defer cancel()
			resp, err := t.Discover(cctx)
			resps[i] = resp
			errs[i] = err
			return nil // errors are per-target; never abort the fan-out
		})
	}
	_ = g.Wait()
	return resps, errs
}

// phaseA runs the first discovery round and checks the preconditions
// protocol §4.4 requires before a session may proceed: every target
// reachable, no target mid-flight on a prior change, and pairwise
// agreement on current_version / latest committed uuid.
func (c *Coordinator) phaseA(ctx context.Context, targets []NodeClient) ([]nodestate.DiscoverResponse, error) {
	resps, errs := c.discoverAll(ctx, targets)
	for i, err := range errs {
		if err != nil {
			return nil, errkind.New(errkind.Unreachable, fmt.Sprintf("%s: %v", targets[i].Target(), err), errkind.Counters{})
		}
	}

	for i, r := range resps {
		if r.Mode == nodestate.Prepared {
			return nil, errkind.New(errkind.PriorChangeInFlight,
				fmt.Sprintf("%s has a PREPARED tail from a prior session", targets[i].Target()), errkind.Counters{
					MutativeMessageCount: r.MutativeMessageCount, CurrentVersion: r.CurrentVersion, HighestVersion: r.HighestVersion,
				})
		}
	}

	ref := resps[0]
	for i, r := range resps[1:] {
		if r.CurrentVersion != ref.CurrentVersion {
			return nil, errkind.New(errkind.InconsistentCluster,
				fmt.Sprintf("%s reports current_version=%d, %s reports %d", targets[0].Target(), ref.CurrentVersion, targets[i+1].Target(), r.CurrentVersion),
				errkind.Counters{})
		}
		refUUID, rUUID := latestCommittedUUID(ref), latestCommittedUUID(r)
		if refUUID != rUUID {
			return nil, errkind.New(errkind.InconsistentCluster,
				fmt.Sprintf("%s and %s disagree on the latest committed uuid", targets[0].Target(), targets[i+1].Target()), errkind.Counters{})
		}
	}
	return resps, nil
}

func latestCommittedUUID(r nodestate.DiscoverResponse) uuid.UUID {
	if r.LatestChange != nil && r.LatestChange.State == record.Committed {
		return r.LatestChange.UUID
	}
	return uuid.Nil
}

// phaseB performs the coordinator's own local evaluation (protocol §4.4
// phase B): it runs the same deterministic evaluator the nodes will run, so
// a doomed change is rejected before any node is touched, and so the
// coordinator can compute a single new_version/change_uuid shared by every
// target's prepare.
func (c *Coordinator) phaseB(current topology.Configuration, payload topology.Payload) (topology.Configuration, error) {
	eval := c.Eval
	if eval == nil {
		eval = evaluator.New()
	}
	return eval.Evaluate(current, payload)
}

// phaseC fans prepare out to every target with a shared change_uuid and
// new_version. It does not abort early: every target gets a chance so the
// caller can decide a clean rollback fan-out against exactly the targets
// that accepted.
func (c *Coordinator) phaseC(ctx context.Context, targets []NodeClient, discovered []nodestate.DiscoverResponse, id uuid.UUID, newVersion int64, payload topology.Payload, host, user string) []NodeResult {
	results := make([]NodeResult, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			cctx, cancel := c.callCtx(gctx)
			defer cancel()
			rec, err := t.Prepare(cctx, nodestate.PrepareRequest{
				ExpectedMutativeCount: discovered[i].MutativeMessageCount,
				ChangeUUID:            id,
				NewVersion:            newVersion,
				Payload:               payload,
				Host:                  host,
				User:                  user,
			})
			results[i] = NodeResult{Target: t.Target(), Accepted: err == nil, Record: rec, Err: err}
			c.logPhase(ctx, "prepare", t.Target(), id, host, user, err)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// phaseD re-discovers every target that accepted phase C's prepare, to
// detect a concurrent session that slipped a change in between rounds
// (protocol §4.4 phase D / RaceDetected).
func (c *Coordinator) phaseD(ctx context.Context, targets []NodeClient, prepared []NodeResult, id uuid.UUID) error {
	var live []NodeClient
	for i, r := range prepared {
		if r.Accepted {
			live = append(live, targets[i])
		}
	}
	resps, errs := c.discoverAll(ctx, live)
	for j, err := range errs {
		if err != nil {
			return errkind.New(errkind.Unreachable, fmt.Sprintf("%s: %v", live[j].Target(), err), errkind.Counters{})
		}
	}
	for j, r := range resps {
		if r.LatestChange == nil || r.LatestChange.UUID != id {
			return errkind.New(errkind.RaceDetected,
				fmt.Sprintf("%s's tail no longer matches change %s", live[j].Target(), id), errkind.Counters{
					MutativeMessageCount: r.MutativeMessageCount, CurrentVersion: r.CurrentVersion, HighestVersion: r.HighestVersion,
				})
		}
	}
	return nil
}

// phaseE fans commit (or rollback) out to every target that holds the
// PREPARED record, using each target's post-prepare mutative count.
// Commits are not cancellable once the outcome is decided (protocol §5):
// every remaining target is still attempted even if ctx is already
// cancelled, by detaching from ctx's cancellation and deadline; each call is
// still bounded by the coordinator's per-call timeout.
func (c *Coordinator) phaseE(ctx context.Context, targets []NodeClient, prepared []NodeResult, id uuid.UUID, commit bool, host, user string) []NodeResult {
	results := make([]NodeResult, len(targets))
	bg := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(bg)
	for i, t := range targets {
		if !prepared[i].Accepted {
			results[i] = prepared[i]
			continue
		}
		i, t := i, t
		g.Go(func() error {
			cctx, cancel := c.callCtx(gctx)
			defer cancel()
			expected := discoveredCountAfterPrepare(prepared[i])
			var rec record.Record
			var err error
			if commit {
				rec, err = t.Commit(cctx, nodestate.CommitRequest{ExpectedMutativeCount: expected, ChangeUUID: id, Host: host, User: user})
			} else {
				rec, err = t.Rollback(cctx, nodestate.RollbackRequest{ExpectedMutativeCount: expected, ChangeUUID: id, Host: host, User: user})
			}
			results[i] = NodeResult{Target: t.Target(), Accepted: err == nil, Record: rec, Err: err}
			op := "rollback"
			if commit {
				op = "commit"
			}
			c.logPhase(ctx, op, t.Target(), id, host, user, err)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// discoveredCountAfterPrepare derives the expected_mutative_count a seal
// call must present: one more than what prepare saw, since prepare's own
// acceptance incremented the target's counter.
func discoveredCountAfterPrepare(r NodeResult) int64 {
	// The PREPARED record itself doesn't carry the counter; the coordinator
	// tracked it going in and bumps by exactly one per accepted mutative
	// call, mirroring protocol §4.6.
	return r.expectedAfterPrepare
}

func (c *Coordinator) logPhase(ctx context.Context, op, target string, id uuid.UUID, host, user string, err error) {
	if c.Audit == nil {
		return
	}
	ev := audit.Event{Component: "coordinator", Op: op, NodeID: target, Host: host, User: user, ChangeUUID: id.String(), Accepted: err == nil}
	if err != nil {
		ev.RejectKind = errkind.KindOf(err)
		ev.Reason = err.Error()
	}
	c.Audit.Record(ctx, ev)
}

// Run drives one full change session across targets (protocol §4.4):
// Phase A discovery and consistency check, Phase B local evaluation,
// Phase C prepare fan-out, Phase D race-detecting re-discovery, Phase E
// commit-or-rollback fan-out.
func (c *Coordinator) Run(ctx context.Context, targets []NodeClient, req ChangeRequest) (*Verdict, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("coordinator: no targets")
	}

	started := time.Now()
	outcome := OutcomeAborted
	defer func() {
		metrics.CoordinatorSessionDuration.WithLabelValues(string(outcome)).Observe(time.Since(started).Seconds())
	}()

	discovered, err := c.phaseA(ctx, targets)
	if err != nil {
		return nil, err
	}

	ref := discovered[0]
	current := ref.CurrentConfig

	_, err = c.phaseB(current, req.Payload)
	if err != nil {
		return &Verdict{Outcome: OutcomeAborted, Reason: err.Error()}, err
	}

	id := newChangeUUID()
	newVersion := ref.CurrentVersion + 1

	prepared := c.phaseC(ctx, targets, discovered, id, newVersion, req.Payload, req.Host, req.User)
	for i := range prepared {
		prepared[i].expectedAfterPrepare = discovered[i].MutativeMessageCount + 1
	}

	allPrepared := true
	for _, r := range prepared {
		if !r.Accepted {
			allPrepared = false
			break
		}
	}

	if !allPrepared {
		results := c.phaseE(ctx, targets, prepared, id, false, req.Host, req.User)
		outcome = OutcomePartialRollback
		return &Verdict{Outcome: outcome, ChangeUUID: id, NewVersion: newVersion, Reason: "prepare did not reach unanimous acceptance", Results: results}, nil
	}

	if err := c.phaseD(ctx, targets, prepared, id); err != nil {
		results := c.phaseE(ctx, targets, prepared, id, false, req.Host, req.User)
		outcome = OutcomeRolledBack
		return &Verdict{Outcome: outcome, ChangeUUID: id, NewVersion: newVersion, Reason: err.Error(), Results: results}, err
	}

	results := c.phaseE(ctx, targets, prepared, id, true, req.Host, req.User)
	outcome = OutcomeCommitted
	for _, r := range results {
		if !r.Accepted {
			outcome = OutcomePartialCommit
			break
		}
	}
	return &Verdict{Outcome: outcome, ChangeUUID: id, NewVersion: newVersion, Results: results}, nil
}
