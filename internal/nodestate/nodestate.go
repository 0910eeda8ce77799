// Package nodestate implements the per-node protocol engine (protocol §4.3,
// component C3): the single-threaded state machine that accepts discover,
// prepare, commit, rollback and take-over requests, enforces the legality
// rules that don't belong to the evaluator, and drives the durable log.
package nodestate

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tc-dynconf/configchange/internal/changelog"
	"github.com/tc-dynconf/configchange/internal/errkind"
	"github.com/tc-dynconf/configchange/internal/evaluator"
	"github.com/tc-dynconf/configchange/internal/metrics"
	"github.com/tc-dynconf/configchange/internal/record"
	"github.com/tc-dynconf/configchange/internal/topology"
)

// Mode is the node's coarse-grained status, derived from the log tail.
type Mode string

const (
	Accepting Mode = "ACCEPTING"
	Prepared  Mode = "PREPARED"
)

// Clock lets tests control the timestamps stamped onto audits. Production
// wiring uses the real wall clock.
type Clock func() time.Time

// Replicator ships an accepted mutation to a stripe's passive mirrors
// (protocol §3's "server mode", out-of-scope "platform replication"
// mechanism — internal/cluster implements it over raft). It is satisfied
// structurally; the protocol engine never imports the replication package.
// A nil Replicator means the node runs without mirrors.
type Replicator interface {
	ReplicateAppend(ctx context.Context, rec record.Record) error
	ReplicateSeal(ctx context.Context, rec record.Record) error
}

// Machine is one node's protocol engine. A single process owns exactly one
// Machine per node identity; concurrent Machines over the same store would
// violate the "owned exclusively by its node process" rule of §5.
type Machine struct {
	mu sync.RWMutex

	nodeID      string
	clusterName string
	store       changelog.Store
	eval        evaluator.Evaluator
	statePath   string
	clock       Clock
	replicator  Replicator

	mutativeMessageCount int64
	currentVersion       int64
	currentConfig        topology.Configuration
	lastMutation         record.Audit
	checkpoints          []string
}

// Open wires a Machine around an already-opened Store, replaying its
// sidecar counters file (or deriving bootstrap defaults for a brand new
// node) alongside the store's own journal replay.
//
// A node that has never logged a change still has an identity: protocol §8
// S1 requires export to already describe a cluster of 1 stripe, 1 node
// (itself), not the empty value reachable only after a first attach. Open
// seeds exactly that as the bootstrap currentConfig, derived from
// listenAddr, whenever no sidecar state file exists yet — current_version
// stays 0 and the log stays empty (protocol §8 S1 sanctions either "0 or
// the bootstrap record's version"), so this never disturbs the version
// chain a first real prepare() starts at 1.
func Open(nodeID, clusterName string, store changelog.Store, eval evaluator.Evaluator, statePath, listenAddr string) (*Machine, error) {
	p, err := loadPersisted(statePath, genesisConfig(nodeID, clusterName, listenAddr))
	if err != nil {
		return nil, err
	}
	return &Machine{
		nodeID:               nodeID,
		clusterName:          clusterName,
		store:                store,
		eval:                 eval,
		statePath:            statePath,
		clock:                time.Now,
		mutativeMessageCount: p.MutativeMessageCount,
		currentVersion:       p.CurrentVersion,
		currentConfig:        p.CurrentConfig,
		lastMutation:         p.LastMutation,
		checkpoints:          p.Checkpoints,
	}, nil
}

// genesisConfig builds the one-stripe, one-node configuration a fresh node
// bootstraps with, naming itself from its own listen address.
func genesisConfig(nodeID, clusterName, listenAddr string) topology.Configuration {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host, portStr = "127.0.0.1", listenAddr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port, _ := strconv.Atoi(portStr)
	cfg := topology.Empty(clusterName)
	cfg.Stripes = []topology.Stripe{{
		Name:  nodeID,
		Nodes: []topology.Node{{Name: nodeID, Host: host, Port: port}},
	}}
	return cfg
}

// NodeID returns the identity this Machine was opened with.
func (m *Machine) NodeID() string { return m.nodeID }

// SetClock overrides the time source; tests use this for deterministic audits.
func (m *Machine) SetClock(c Clock) { m.clock = c }

// SetReplicator wires a stripe mirror fan-out. Replication errors are
// discarded: Prepare/Commit/Rollback do not return them, and they never roll
// back an already-durable local mutation, since the local journal (not the
// mirrors) is this node's source of truth.
func (m *Machine) SetReplicator(r Replicator) { m.replicator = r }

func (m *Machine) replicateAppend(rec record.Record) {
	if m.replicator == nil {
		return
	}
	_ = m.replicator.ReplicateAppend(context.Background(), rec)
}

func (m *Machine) replicateSeal(rec record.Record) {
	if m.replicator == nil {
		return
	}
	_ = m.replicator.ReplicateSeal(context.Background(), rec)
}

func (m *Machine) persist() error {
	return savePersisted(m.statePath, persisted{
		MutativeMessageCount: m.mutativeMessageCount,
		CurrentVersion:       m.currentVersion,
		CurrentConfig:        m.currentConfig,
		LastMutation:         m.lastMutation,
		Checkpoints:          m.checkpoints,
	})
}

func (m *Machine) counters() errkind.Counters {
	return errkind.Counters{
		MutativeMessageCount: m.mutativeMessageCount,
		CurrentVersion:       m.currentVersion,
		HighestVersion:       m.highestVersionLocked(),
	}
}

func (m *Machine) highestVersionLocked() int64 {
	head, has, err := m.store.Head()
	if err != nil || !has {
		return 0
	}
	return head.Version
}

func reject(kind errkind.Kind, reason string, c errkind.Counters) error {
	return errkind.New(kind, reason, c)
}

func (m *Machine) reject(op string, kind errkind.Kind, reason string) error {
	metrics.RejectionsTotal.WithLabelValues(m.nodeID, op, string(kind)).Inc()
	return reject(kind, reason, m.counters())
}

func (m *Machine) accept(op string) {
	metrics.MutativeMessagesTotal.WithLabelValues(m.nodeID, op).Inc()
	metrics.MutativeMessageCount.WithLabelValues(m.nodeID).Set(float64(m.mutativeMessageCount))
}

// DiscoverResponse is the read-only status probe (protocol §6).
type DiscoverResponse struct {
	Mode                 Mode
	MutativeMessageCount int64
	LastMutationHost     string
	LastMutationUser     string
	LastMutationTime     time.Time
	CurrentVersion       int64
	HighestVersion       int64
	// CurrentConfig is the Result of the highest-version COMMITTED record
	// (protocol §3 invariant 5) — the authoritative "current configuration",
	// distinct from LatestChange.Result whenever the tail is PREPARED or
	// ROLLED_BACK. Callers that want "what is the cluster configured as
	// right now" must read this field, not LatestChange.
	CurrentConfig topology.Configuration
	LatestChange  *record.Record
	Checkpoints   []string
}

// Discover returns a point-in-time snapshot. It never blocks behind a
// mutative request for longer than it takes to copy the current fields
// (protocol §5: discover may be served concurrently with a mutation).
func (m *Machine) Discover() (DiscoverResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	head, has, err := m.store.Head()
	if err != nil {
		return DiscoverResponse{}, fmt.Errorf("nodestate: discover: %w", err)
	}

	resp := DiscoverResponse{
		Mode:                 Accepting,
		MutativeMessageCount: m.mutativeMessageCount,
		LastMutationHost:     m.lastMutation.Host,
		LastMutationUser:     m.lastMutation.User,
		LastMutationTime:     m.lastMutation.Timestamp,
		CurrentVersion:       m.currentVersion,
		CurrentConfig:        m.currentConfig,
		Checkpoints:          append([]string(nil), m.checkpoints...),
	}
	if has {
		resp.HighestVersion = head.Version
		rec := head
		resp.LatestChange = &rec
		if head.State == record.Prepared {
			resp.Mode = Prepared
		}
	}
	return resp, nil
}

// PrepareRequest carries a prospective change (protocol §6).
type PrepareRequest struct {
	ExpectedMutativeCount int64
	ChangeUUID            uuid.UUID
	NewVersion            int64
	Payload               topology.Payload
	Host                  string
	User                  string
}

// Prepare evaluates and, if legal, durably appends a PREPARED record.
func (m *Machine) Prepare(req PrepareRequest) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, has, err := m.store.Head()
	if err != nil {
		return record.Record{}, fmt.Errorf("nodestate: prepare: %w", err)
	}
	if req.ExpectedMutativeCount != m.mutativeMessageCount {
		return record.Record{}, m.reject("prepare", errkind.Concurrent, "expected_mutative_count is stale")
	}
	if has && head.State == record.Prepared {
		return record.Record{}, m.reject("prepare", errkind.AlreadyPrepared, "tail is already PREPARED")
	}

	expectedVersion := int64(1)
	var parent *uuid.UUID
	if has {
		expectedVersion = head.Version + 1
		p := head.UUID
		parent = &p
	}
	if req.NewVersion != expectedVersion {
		return record.Record{}, m.reject("prepare", errkind.BadVersion, fmt.Sprintf("expected new_version %d, got %d", expectedVersion, req.NewVersion))
	}

	candidate, err := m.eval.Evaluate(m.currentConfig, req.Payload)
	if err != nil {
		if e, ok := err.(*errkind.Error); ok {
			e.Counters = m.counters()
			metrics.RejectionsTotal.WithLabelValues(m.nodeID, "prepare", string(e.Kind)).Inc()
			return record.Record{}, e
		}
		return record.Record{}, m.reject("prepare", errkind.EvaluationReject, err.Error())
	}

	creation := record.Audit{Host: req.Host, User: req.User, Timestamp: m.clock().UTC()}
	rec := record.NewPrepared(req.ChangeUUID, parent, req.NewVersion, req.Payload, candidate, creation)
	if err := m.store.Append(rec); err != nil {
		return record.Record{}, err
	}

	m.mutativeMessageCount++
	m.lastMutation = creation
	m.accept("prepare")
	if err := m.persist(); err != nil {
		return record.Record{}, err
	}
	m.replicateAppend(rec)
	return rec, nil
}

// CommitRequest names the PREPARED change to finalize (protocol §6).
type CommitRequest struct {
	ExpectedMutativeCount int64
	ChangeUUID            uuid.UUID
	Host                  string
	User                  string
}

// Commit flips the matching PREPARED tail to COMMITTED and publishes its
// result as the node's current configuration.
func (m *Machine) Commit(req CommitRequest) (record.Record, error) {
	return m.seal(req.ExpectedMutativeCount, req.ChangeUUID, record.Committed, req.Host, req.User)
}

// RollbackRequest names the PREPARED change to discard (protocol §6).
type RollbackRequest struct {
	ExpectedMutativeCount int64
	ChangeUUID            uuid.UUID
	Host                  string
	User                  string
}

// Rollback flips the matching PREPARED tail to ROLLED_BACK, leaving the
// current configuration untouched.
func (m *Machine) Rollback(req RollbackRequest) (record.Record, error) {
	return m.seal(req.ExpectedMutativeCount, req.ChangeUUID, record.RolledBack, req.Host, req.User)
}

func (m *Machine) seal(expectedCount int64, id uuid.UUID, newState record.State, host, user string) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := "rollback"
	if newState == record.Committed {
		op = "commit"
	}

	head, has, err := m.store.Head()
	if err != nil {
		return record.Record{}, fmt.Errorf("nodestate: seal: %w", err)
	}
	if !has || head.State != record.Prepared {
		return record.Record{}, m.reject(op, errkind.NotPrepared, "tail is not PREPARED")
	}
	if head.UUID != id {
		return record.Record{}, m.reject(op, errkind.UUIDMismatch, "change_uuid does not match the PREPARED tail")
	}
	if expectedCount != m.mutativeMessageCount {
		return record.Record{}, m.reject(op, errkind.Concurrent, "expected_mutative_count is stale")
	}

	approval := record.Audit{Host: host, User: user, Timestamp: m.clock().UTC()}
	sealed, err := m.store.Seal(id, newState, approval)
	if err != nil {
		return record.Record{}, err
	}

	m.mutativeMessageCount++
	m.lastMutation = approval
	if newState == record.Committed {
		m.currentVersion = sealed.Version
		m.currentConfig = sealed.Result
	}
	m.accept(op)
	if err := m.persist(); err != nil {
		return record.Record{}, err
	}
	m.replicateSeal(sealed)
	return sealed, nil
}

// TakeOverRequest asks for advisory permission to resolve an abandoned
// PREPARED change on behalf of a new coordinator session (protocol §6).
type TakeOverRequest struct {
	ExpectedMutativeCount int64
	PriorUUID             uuid.UUID
	Host                  string
	User                  string
}

// TakeOver grants a new coordinator the right to decide commit or rollback
// for the current PREPARED tail, returning that tail record unmodified. It
// counts as a mutative message (protocol §4.6) even though the log itself
// isn't touched.
func (m *Machine) TakeOver(req TakeOverRequest) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, has, err := m.store.Head()
	if err != nil {
		return record.Record{}, fmt.Errorf("nodestate: take over: %w", err)
	}
	if !has || head.State != record.Prepared {
		return record.Record{}, m.reject("take_over", errkind.NotPrepared, "tail is not PREPARED")
	}
	if head.UUID != req.PriorUUID {
		return record.Record{}, m.reject("take_over", errkind.UUIDMismatch, "prior_uuid does not match the PREPARED tail")
	}
	if req.ExpectedMutativeCount != m.mutativeMessageCount {
		return record.Record{}, m.reject("take_over", errkind.Concurrent, "expected_mutative_count is stale")
	}

	m.mutativeMessageCount++
	m.lastMutation = record.Audit{Host: req.Host, User: req.User, Timestamp: m.clock().UTC()}
	m.accept("take_over")
	if err := m.persist(); err != nil {
		return record.Record{}, err
	}
	return head, nil
}
