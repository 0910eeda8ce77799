package coordinator

import (
	"context"

	"github.com/tc-dynconf/configchange/internal/nodestate"
	"github.com/tc-dynconf/configchange/internal/record"
)

// LocalClient adapts an in-process *nodestate.Machine to NodeClient. It is
// used by the recovery package and by tests that drive several node
// machines inside one process without standing up HTTP servers.
type LocalClient struct {
	target string
	m      *nodestate.Machine
}

// NewLocalClient wraps m under the given target label.
func NewLocalClient(target string, m *nodestate.Machine) *LocalClient {
	return &LocalClient{target: target, m: m}
}

func (l *LocalClient) Target() string { return l.target }

func (l *LocalClient) Discover(_ context.Context) (nodestate.DiscoverResponse, error) {
	return l.m.Discover()
}

func (l *LocalClient) Prepare(_ context.Context, req nodestate.PrepareRequest) (record.Record, error) {
	return l.m.Prepare(req)
}

func (l *LocalClient) Commit(_ context.Context, req nodestate.CommitRequest) (record.Record, error) {
	return l.m.Commit(req)
}

func (l *LocalClient) Rollback(_ context.Context, req nodestate.RollbackRequest) (record.Record, error) {
	return l.m.Rollback(req)
}

func (l *LocalClient) TakeOver(_ context.Context, req nodestate.TakeOverRequest) (record.Record, error) {
	return l.m.TakeOver(req)
}
